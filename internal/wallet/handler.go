package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lifesync/lifesync-wallet/internal/ledger"
	"github.com/lifesync/lifesync-wallet/internal/middleware"
)

// Handler exposes the wallet ledger over HTTP.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type entryRequest struct {
	TransactionID string            `json:"transaction_id"`
	Amount        string            `json:"amount"`
	Type          string            `json:"type"`
	PaymentMethod string            `json:"payment_method"`
	Category      string            `json:"category"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata"`
}

type entryResponse struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Amount        string            `json:"amount"`
	Type          string            `json:"type"`
	PaymentMethod string            `json:"payment_method"`
	Category      string            `json:"category,omitempty"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	BalanceAfter  string            `json:"balance_after"`
	CreatedAt     time.Time         `json:"created_at"`
}

func toEntryResponse(e ledger.Entry) entryResponse {
	return entryResponse{
		ID:            e.ID,
		TransactionID: e.TransactionID,
		Amount:        e.Amount.StringFixed(2),
		Type:          string(e.Type),
		PaymentMethod: string(e.PaymentMethod),
		Category:      e.Category,
		Description:   e.Description,
		Metadata:      e.Metadata,
		BalanceAfter:  e.BalanceAfter.StringFixed(2),
		CreatedAt:     e.CreatedAt,
	}
}

// AddEntry appends one ledger entry for the scoped workspace user.
func (h *Handler) AddEntry(c *fiber.Ctx) error {
	scope, ok := middleware.ScopeFromCtx(c)
	if !ok {
		return fiber.ErrUnauthorized
	}
	var req entryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	entry, err := h.service.AddEntry(c.UserContext(), scope, EntryInput{
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Type:          req.Type,
		PaymentMethod: req.PaymentMethod,
		Category:      req.Category,
		Description:   req.Description,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toEntryResponse(entry))
}

type transferRequest struct {
	Amount      string `json:"amount"`
	FromMethod  string `json:"from_method"`
	ToMethod    string `json:"to_method"`
	Description string `json:"description"`
}

// Transfer moves funds between two payment methods.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	scope, ok := middleware.ScopeFromCtx(c)
	if !ok {
		return fiber.ErrUnauthorized
	}
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	result, err := h.service.Transfer(c.UserContext(), scope, TransferInput{
		Amount:      req.Amount,
		FromMethod:  req.FromMethod,
		ToMethod:    req.ToMethod,
		Description: req.Description,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"from_entry":   toEntryResponse(result.FromEntry),
		"to_entry":     toEntryResponse(result.ToEntry),
		"completed_at": result.CompletedAt,
	})
}

// AllBalances returns the per-method breakdown plus the total.
func (h *Handler) AllBalances(c *fiber.Ctx) error {
	scope, ok := middleware.ScopeFromCtx(c)
	if !ok {
		return fiber.ErrUnauthorized
	}
	summary, err := h.service.AllBalances(c.UserContext(), scope)
	if err != nil {
		return mapError(err)
	}
	balances := make([]fiber.Map, 0, len(summary.Balances))
	for _, b := range summary.Balances {
		balances = append(balances, fiber.Map{
			"payment_method": string(b.PaymentMethod),
			"balance":        b.Balance.StringFixed(2),
		})
	}
	return c.JSON(fiber.Map{
		"balances":      balances,
		"total_balance": summary.TotalBalance.StringFixed(2),
	})
}

// Balance returns one payment method's balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	scope, ok := middleware.ScopeFromCtx(c)
	if !ok {
		return fiber.ErrUnauthorized
	}
	method, err := ledger.ParsePaymentMethod(c.Params("method"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	balance, err := h.service.CurrentBalance(c.UserContext(), scope, method)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{
		"payment_method": string(method),
		"balance":        balance.StringFixed(2),
		"timestamp":      time.Now().UTC(),
	})
}

// History returns a descending page of raw ledger entries.
func (h *Handler) History(c *fiber.Ctx) error {
	scope, ok := middleware.ScopeFromCtx(c)
	if !ok {
		return fiber.ErrUnauthorized
	}
	opts := HistoryOptions{
		PaymentMethod: ledger.PaymentMethod(c.Query("payment_method")),
		Limit:         c.QueryInt("limit", ledger.DefaultHistoryLimit),
		Offset:        c.QueryInt("offset", 0),
	}
	entries, err := h.service.History(c.UserContext(), scope, opts)
	if err != nil {
		return mapError(err)
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	return c.JSON(fiber.Map{
		"entries": out,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

// Integrity replays the ledger for one method and reports the result.
func (h *Handler) Integrity(c *fiber.Ctx) error {
	scope, ok := middleware.ScopeFromCtx(c)
	if !ok {
		return fiber.ErrUnauthorized
	}
	method, err := ledger.ParsePaymentMethod(c.Params("method"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	report, err := h.service.VerifyIntegrity(c.UserContext(), scope, method)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{
		"payment_method":     string(report.PaymentMethod),
		"is_valid":           report.IsValid,
		"calculated_balance": report.CalculatedBalance.StringFixed(2),
		"stored_balance":     report.StoredBalance.StringFixed(2),
		"discrepancy":        report.Discrepancy.StringFixed(2),
	})
}

// mapError surfaces validation failures as 400s; anything else is a failed
// write or read the caller must treat as "not recorded".
func mapError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrUnknownEntryType),
		errors.Is(err, ledger.ErrUnknownPaymentMethod),
		errors.Is(err, ledger.ErrMissingScope),
		errors.Is(err, ErrSameMethod):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return fiber.NewError(http.StatusInternalServerError, err.Error())
}
