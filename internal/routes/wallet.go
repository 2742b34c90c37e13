package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lifesync/lifesync-wallet/internal/wallet"
)

// RegisterWalletRoutes wires the wallet ledger endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/wallet/entries", h.AddEntry)
	r.Post("/wallet/transfers", h.Transfer)
	r.Get("/wallet/balances", h.AllBalances)
	r.Get("/wallet/balances/:method", h.Balance)
	r.Get("/wallet/history", h.History)
	r.Get("/wallet/integrity/:method", h.Integrity)
}
