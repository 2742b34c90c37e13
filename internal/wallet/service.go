package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lifesync/lifesync-wallet/internal/ledger"
	"github.com/lifesync/lifesync-wallet/internal/notification"
)

// ErrSameMethod occurs when a transfer names the same method on both sides.
var ErrSameMethod = errors.New("source and destination methods must differ")

// integrityTolerance absorbs decimal rounding in stored balances.
var integrityTolerance = decimal.New(1, -2) // 0.01

// Service owns every balance mutation for a workspace user. All writes funnel
// through the store's atomic append; reads follow the snapshot-then-ledger
// two-tier strategy.
type Service struct {
	store          ledger.Store
	notifier       notification.Notifier
	snapshotWindow time.Duration
	now            func() time.Time
}

// NewService builds the wallet ledger service. A non-positive window falls
// back to ledger.DefaultSnapshotWindow.
func NewService(store ledger.Store, notifier notification.Notifier, snapshotWindow time.Duration) *Service {
	if snapshotWindow <= 0 {
		snapshotWindow = ledger.DefaultSnapshotWindow
	}
	return &Service{store: store, notifier: notifier, snapshotWindow: snapshotWindow, now: time.Now}
}

// EntryInput captures a caller-supplied ledger entry draft. Amount is a
// non-negative decimal string; its sign is inferred from Type.
type EntryInput struct {
	TransactionID string
	Amount        string
	Type          string
	PaymentMethod string
	Category      string
	Description   string
	Metadata      map[string]string
}

// AddEntry appends one immutable entry and returns it with its computed
// balance. This is the only way wallet state changes.
func (s *Service) AddEntry(ctx context.Context, scope ledger.Scope, input EntryInput) (ledger.Entry, error) {
	amount, err := parseAmount(input.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}

	entries, err := s.store.Append(ctx, ledger.Draft{
		Scope:         scope,
		TransactionID: input.TransactionID,
		Amount:        amount,
		Type:          ledger.EntryType(strings.ToLower(strings.TrimSpace(input.Type))),
		PaymentMethod: ledger.PaymentMethod(strings.ToLower(strings.TrimSpace(input.PaymentMethod))),
		Category:      input.Category,
		Description:   input.Description,
		Metadata:      input.Metadata,
	})
	if err != nil {
		return ledger.Entry{}, err
	}
	return entries[0], nil
}

// TransferInput captures a cross-method transfer request.
type TransferInput struct {
	Amount      string
	FromMethod  string
	ToMethod    string
	Description string
}

// Transfer moves funds between two payment methods of the same workspace user.
// It composes two ledger entries, an outflow leg against the source and an
// income leg against the destination, committed as one atomic unit.
func (s *Service) Transfer(ctx context.Context, scope ledger.Scope, input TransferInput) (TransferResult, error) {
	amount, err := parseAmount(input.Amount)
	if err != nil {
		return TransferResult{}, err
	}
	from, err := ledger.ParsePaymentMethod(input.FromMethod)
	if err != nil {
		return TransferResult{}, err
	}
	to, err := ledger.ParsePaymentMethod(input.ToMethod)
	if err != nil {
		return TransferResult{}, err
	}
	if from == to {
		return TransferResult{}, ErrSameMethod
	}

	entries, err := s.store.Append(ctx,
		ledger.Draft{
			Scope:         scope,
			Amount:        amount,
			Type:          ledger.TypeTransfer,
			PaymentMethod: from,
			Category:      "transfer_out",
			Description:   fmt.Sprintf("Transfer to %s: %s", to, input.Description),
			Metadata: map[string]string{
				"transferTo":   string(to),
				"transferType": "outgoing",
			},
		},
		ledger.Draft{
			Scope:         scope,
			Amount:        amount,
			Type:          ledger.TypeIncome,
			PaymentMethod: to,
			Category:      "transfer_in",
			Description:   fmt.Sprintf("Transfer from %s: %s", from, input.Description),
			Metadata: map[string]string{
				"transferFrom": string(from),
				"transferType": "incoming",
			},
		},
	)
	if err != nil {
		return TransferResult{}, err
	}

	result := TransferResult{FromEntry: entries[0], ToEntry: entries[1], CompletedAt: s.now().UTC()}

	if s.notifier != nil {
		_ = s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindMethodTransfer,
			Destination: scope.UserID,
			Body:        fmt.Sprintf("Transferred %s from %s to %s", amount.StringFixed(2), from, to),
		})
	}

	return result, nil
}

// CurrentBalance returns the balance for one payment method: the cached
// snapshot when fresh, otherwise the authoritative recalculation. Keys with no
// history read as zero.
func (s *Service) CurrentBalance(ctx context.Context, scope ledger.Scope, method ledger.PaymentMethod) (decimal.Decimal, error) {
	snap, err := s.store.Snapshot(ctx, scope, method)
	if err == nil && snap.FreshAt(s.now(), s.snapshotWindow) {
		return snap.CurrentBalance, nil
	}
	if err != nil && !errors.Is(err, ledger.ErrNoSnapshot) {
		return decimal.Zero, err
	}
	return s.Recalculate(ctx, scope, method)
}

// Recalculate re-derives the balance from the most recent ledger entry and
// re-primes the snapshot. The store runs both steps as one atomic unit under
// the same per-key serialization as the write path, so a refresh racing a
// concurrent append can never resurrect a stale balance. An empty key primes
// a zero snapshot so the cache mirrors the latest known balance uniformly.
func (s *Service) Recalculate(ctx context.Context, scope ledger.Scope, method ledger.PaymentMethod) (decimal.Decimal, error) {
	snap, err := s.store.Recalculate(ctx, scope, method)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.CurrentBalance, nil
}

// AllBalances fans CurrentBalance over every payment method and totals them.
func (s *Service) AllBalances(ctx context.Context, scope ledger.Scope) (BalanceSummary, error) {
	summary := BalanceSummary{TotalBalance: decimal.Zero}
	for _, method := range ledger.PaymentMethods() {
		balance, err := s.CurrentBalance(ctx, scope, method)
		if err != nil {
			return BalanceSummary{}, err
		}
		summary.Balances = append(summary.Balances, MethodBalance{PaymentMethod: method, Balance: balance})
		summary.TotalBalance = summary.TotalBalance.Add(balance)
	}
	return summary, nil
}

// History lists raw ledger entries, newest first.
func (s *Service) History(ctx context.Context, scope ledger.Scope, opts HistoryOptions) ([]ledger.Entry, error) {
	filter := ledger.HistoryFilter{Limit: opts.Limit, Offset: opts.Offset}
	if opts.PaymentMethod != "" {
		method, err := ledger.ParsePaymentMethod(string(opts.PaymentMethod))
		if err != nil {
			return nil, err
		}
		filter.PaymentMethod = method
	}
	return s.store.History(ctx, scope, filter)
}

// VerifyIntegrity replays the full ledger for one method from zero and
// compares it against the stored balance. Read-only: discrepancies are
// reported for operators, never repaired here.
func (s *Service) VerifyIntegrity(ctx context.Context, scope ledger.Scope, method ledger.PaymentMethod) (IntegrityReport, error) {
	entries, err := s.store.Entries(ctx, scope, method)
	if err != nil {
		return IntegrityReport{}, err
	}

	calculated := decimal.Zero
	for _, entry := range entries {
		calculated = calculated.Add(ledger.SignedAmount(entry.Type, entry.Amount))
	}

	stored, err := s.CurrentBalance(ctx, scope, method)
	if err != nil {
		return IntegrityReport{}, err
	}

	discrepancy := calculated.Sub(stored).Abs()
	return IntegrityReport{
		PaymentMethod:     method,
		IsValid:           discrepancy.LessThan(integrityTolerance),
		CalculatedBalance: calculated,
		StoredBalance:     stored,
		Discrepancy:       discrepancy,
	}, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, raw)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, raw)
	}
	return amount, nil
}
