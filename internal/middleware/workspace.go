package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lifesync/lifesync-wallet/internal/ledger"
)

const (
	workspaceIDHeader = "X-Workspace-ID"
	userIDHeader      = "X-User-ID"
	scopeLocalKey     = "wallet_scope"
)

// WorkspaceScope materializes the tenant context from request headers. The
// authenticated app layer in front of this service injects both headers after
// session validation, so a request missing either never reached that layer.
func WorkspaceScope() fiber.Handler {
	return func(c *fiber.Ctx) error {
		scope := ledger.Scope{
			WorkspaceID: c.Get(workspaceIDHeader),
			UserID:      c.Get(userIDHeader),
		}
		if !scope.Valid() {
			return fiber.NewError(fiber.StatusUnauthorized, "missing workspace context")
		}
		c.Locals(scopeLocalKey, scope)
		return c.Next()
	}
}

// ScopeFromCtx returns the workspace scope set by WorkspaceScope.
func ScopeFromCtx(c *fiber.Ctx) (ledger.Scope, bool) {
	scope, ok := c.Locals(scopeLocalKey).(ledger.Scope)
	return scope, ok
}
