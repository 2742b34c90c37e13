package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestWorkspaceScopeRequiresHeaders(t *testing.T) {
	app := fiber.New()
	app.Use(WorkspaceScope())
	app.Get("/scoped", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	cases := []struct {
		name      string
		workspace string
		user      string
		want      int
	}{
		{"both present", "ws-1", "user-1", fiber.StatusOK},
		{"missing user", "ws-1", "", fiber.StatusUnauthorized},
		{"missing workspace", "", "user-1", fiber.StatusUnauthorized},
		{"missing both", "", "", fiber.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(fiber.MethodGet, "/scoped", nil)
		if tc.workspace != "" {
			req.Header.Set(workspaceIDHeader, tc.workspace)
		}
		if tc.user != "" {
			req.Header.Set(userIDHeader, tc.user)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("%s: app.Test: %v", tc.name, err)
		}
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestScopeFromCtxExposesScope(t *testing.T) {
	app := fiber.New()
	app.Use(WorkspaceScope())
	app.Get("/scoped", func(c *fiber.Ctx) error {
		scope, ok := ScopeFromCtx(c)
		if !ok {
			t.Error("scope missing from context")
			return fiber.ErrInternalServerError
		}
		if scope.WorkspaceID != "ws-9" || scope.UserID != "user-9" {
			t.Errorf("unexpected scope: %+v", scope)
		}
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest(fiber.MethodGet, "/scoped", nil)
	req.Header.Set(workspaceIDHeader, "ws-9")
	req.Header.Set(userIDHeader, "user-9")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
}
