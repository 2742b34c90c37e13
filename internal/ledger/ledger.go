package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoSnapshot indicates no balance snapshot has been written for the key yet.
	ErrNoSnapshot = errors.New("no balance snapshot")

	// ErrNoEntries indicates the key has no ledger entries, i.e. its balance is zero.
	ErrNoEntries = errors.New("no ledger entries")

	// ErrInvalidAmount occurs when an entry amount is not a non-negative decimal.
	ErrInvalidAmount = errors.New("amount must be a non-negative decimal")

	// ErrUnknownEntryType occurs when an entry type is outside the supported set.
	ErrUnknownEntryType = errors.New("unknown entry type")

	// ErrUnknownPaymentMethod occurs when a payment method is outside the supported set.
	ErrUnknownPaymentMethod = errors.New("unknown payment method")

	// ErrMissingScope occurs when a workspace or user identifier is absent.
	ErrMissingScope = errors.New("workspace and user identifiers are required")
)

// DefaultDescription replaces blank entry descriptions at append time.
const DefaultDescription = "No description"

// DefaultSnapshotWindow is how long a snapshot serves reads before the read
// path falls back to the ledger.
const DefaultSnapshotWindow = 5 * time.Minute

// DefaultHistoryLimit is the history page size when the caller does not set one.
const DefaultHistoryLimit = 50

// PaymentMethod is a sub-account bucket whose balance is tracked independently
// per workspace user.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodUPI          PaymentMethod = "upi"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodOther        PaymentMethod = "other"
)

// PaymentMethods returns every bucket in the order balance summaries report them.
func PaymentMethods() []PaymentMethod {
	return []PaymentMethod{MethodCash, MethodCard, MethodUPI, MethodBankTransfer, MethodOther}
}

// ParsePaymentMethod maps a raw string onto a known payment method.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	method := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch method {
	case MethodCash, MethodCard, MethodUPI, MethodBankTransfer, MethodOther:
		return method, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPaymentMethod, raw)
}

// EntryType classifies how an entry moves its method balance.
type EntryType string

const (
	TypeIncome     EntryType = "income"
	TypeExpense    EntryType = "expense"
	TypeInvestment EntryType = "investment"
	// TypeTransfer marks the source leg of a cross-method transfer. The
	// destination leg is stored as TypeIncome, so a transfer entry always
	// moves funds out of its own method.
	TypeTransfer EntryType = "transfer"
)

// SignedAmount returns the delta an entry of the given type applies to its
// method balance. This single rule feeds both the write path and the
// integrity replay, so the two can never disagree.
func SignedAmount(t EntryType, amount decimal.Decimal) decimal.Decimal {
	if t == TypeIncome {
		return amount
	}
	return amount.Neg()
}

// Scope is the ownership boundary for ledger data: every entry and snapshot
// belongs to exactly one workspace user.
type Scope struct {
	WorkspaceID string
	UserID      string
}

// Valid reports whether both identifiers are present.
func (s Scope) Valid() bool {
	return s.WorkspaceID != "" && s.UserID != ""
}

// Entry is one immutable record of a balance-affecting event. Entries are
// append-only: no update or delete operation exists anywhere in the contract.
type Entry struct {
	ID            string
	Scope         Scope
	TransactionID string
	Amount        decimal.Decimal
	Type          EntryType
	PaymentMethod PaymentMethod
	Category      string
	Description   string
	Metadata      map[string]string
	BalanceAfter  decimal.Decimal
	CreatedAt     time.Time

	// seq breaks created-at ties in the in-memory store; the Postgres store
	// relies on a sequence column for the same purpose.
	seq uint64
}

// Draft is the caller-supplied portion of an entry. The store assigns ID and
// CreatedAt and computes BalanceAfter when the draft is appended.
type Draft struct {
	Scope         Scope
	TransactionID string
	Amount        decimal.Decimal
	Type          EntryType
	PaymentMethod PaymentMethod
	Category      string
	Description   string
	Metadata      map[string]string
}

// Validate rejects drafts that must never reach the ledger and normalizes a
// blank description to DefaultDescription.
func (d *Draft) Validate() error {
	if !d.Scope.Valid() {
		return ErrMissingScope
	}
	if d.Amount.IsNegative() {
		return ErrInvalidAmount
	}
	switch d.Type {
	case TypeIncome, TypeExpense, TypeInvestment, TypeTransfer:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEntryType, d.Type)
	}
	if _, err := ParsePaymentMethod(string(d.PaymentMethod)); err != nil {
		return err
	}
	if strings.TrimSpace(d.Description) == "" {
		d.Description = DefaultDescription
	}
	return nil
}

// Snapshot is the cached balance for one (workspace, user, method) key. It is
// an optimization over the ledger, never an independent source of truth.
type Snapshot struct {
	Scope              Scope
	PaymentMethod      PaymentMethod
	CurrentBalance     decimal.Decimal
	LastRecalculatedAt time.Time
}

// FreshAt reports whether the snapshot may serve reads at the given instant
// without consulting the ledger.
func (s Snapshot) FreshAt(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastRecalculatedAt) < window
}

// HistoryFilter narrows and pages a descending-by-time entry listing.
type HistoryFilter struct {
	// PaymentMethod restricts the listing to one bucket when non-empty.
	PaymentMethod PaymentMethod
	Limit         int
	Offset        int
}

// Store persists the append-only ledger and its balance snapshots.
//
// Append is the single write path. For each draft it reads the key's current
// balance, computes BalanceAfter, inserts the entry, and re-primes the
// snapshot, all inside one atomic unit serialized against concurrent appends
// on the same key, so two writers can never base their BalanceAfter on the
// same stale balance. Multi-draft calls (transfer legs) commit together or
// not at all.
//
// Recalculate re-derives the key's snapshot from its latest entry (zero when
// the key has none) under that same per-key serialization: the latest-entry
// read and the snapshot write are one atomic unit, so a refresh can never
// stamp a balance that predates a concurrent append as fresh.
type Store interface {
	Append(ctx context.Context, drafts ...Draft) ([]Entry, error)
	Snapshot(ctx context.Context, scope Scope, method PaymentMethod) (Snapshot, error)
	Recalculate(ctx context.Context, scope Scope, method PaymentMethod) (Snapshot, error)
	LatestEntry(ctx context.Context, scope Scope, method PaymentMethod) (Entry, error)
	Entries(ctx context.Context, scope Scope, method PaymentMethod) ([]Entry, error)
	History(ctx context.Context, scope Scope, filter HistoryFilter) ([]Entry, error)
}
