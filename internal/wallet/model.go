package wallet

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/lifesync/lifesync-wallet/internal/ledger"
)

// MethodBalance is one payment method's current balance.
type MethodBalance struct {
	PaymentMethod ledger.PaymentMethod
	Balance       decimal.Decimal
}

// BalanceSummary is the per-method breakdown plus the total across methods.
type BalanceSummary struct {
	Balances     []MethodBalance
	TotalBalance decimal.Decimal
}

// HistoryOptions pages and filters the ledger history listing.
type HistoryOptions struct {
	// PaymentMethod restricts the listing to one bucket when non-empty.
	PaymentMethod ledger.PaymentMethod
	Limit         int
	Offset        int
}

// IntegrityReport compares a full ledger replay against the stored balance.
// A discrepancy is reported, never auto-corrected.
type IntegrityReport struct {
	PaymentMethod     ledger.PaymentMethod
	IsValid           bool
	CalculatedBalance decimal.Decimal
	StoredBalance     decimal.Decimal
	Discrepancy       decimal.Decimal
}

// TransferResult describes the two committed legs of a cross-method transfer.
type TransferResult struct {
	FromEntry   ledger.Entry
	ToEntry     ledger.Entry
	CompletedAt time.Time
}
