package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists the ledger in PostgreSQL. The snapshot row doubles as
// the per-key write lock: Append materializes it if needed and takes it FOR
// UPDATE, so concurrent writers on the same key queue behind row-level locks.
type PostgresStore struct {
	db             *pgxpool.Pool
	snapshotWindow time.Duration
	now            func() time.Time
}

// NewPostgres constructs a Postgres-backed store. A non-positive window falls
// back to DefaultSnapshotWindow.
func NewPostgres(db *pgxpool.Pool, snapshotWindow time.Duration) *PostgresStore {
	if snapshotWindow <= 0 {
		snapshotWindow = DefaultSnapshotWindow
	}
	return &PostgresStore{db: db, snapshotWindow: snapshotWindow, now: time.Now}
}

// Migrate creates the ledger schema when it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS wallet_ledger (
    id UUID PRIMARY KEY,
    seq BIGSERIAL,
    workspace_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    transaction_id TEXT,
    amount NUMERIC(14,2) NOT NULL,
    type TEXT NOT NULL,
    payment_method TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    balance_after NUMERIC(14,2) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS wallet_ledger_key_idx
    ON wallet_ledger (workspace_id, user_id, payment_method, created_at, seq);
CREATE TABLE IF NOT EXISTS wallet_balances (
    workspace_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    payment_method TEXT NOT NULL,
    current_balance NUMERIC(14,2) NOT NULL,
    last_recalculated_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (workspace_id, user_id, payment_method)
);`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate wallet schema: %w", err)
	}
	return nil
}

const entryColumns = `id, workspace_id, user_id, transaction_id, amount::text, type,
    payment_method, category, description, metadata, balance_after::text, created_at`

// Append writes the drafts in one transaction. Snapshot rows for every touched
// key are locked in deterministic order before any balance is read, which
// serializes concurrent writers and keeps two-leg transfers deadlock-free.
func (s *PostgresStore) Append(ctx context.Context, drafts ...Draft) ([]Entry, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	for i := range drafts {
		if err := drafts[i].Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	balances, err := s.lockKeys(ctx, tx, drafts)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	entries := make([]Entry, 0, len(drafts))
	for i := range drafts {
		d := drafts[i]
		key := keyOf(d.Scope, d.PaymentMethod)

		base := balances[key]
		if !base.trusted {
			base.balance, err = latestBalance(ctx, tx, d.Scope, d.PaymentMethod)
			if err != nil {
				return nil, err
			}
		}

		entry := Entry{
			ID:            uuid.NewString(),
			Scope:         d.Scope,
			TransactionID: d.TransactionID,
			Amount:        d.Amount,
			Type:          d.Type,
			PaymentMethod: d.PaymentMethod,
			Category:      d.Category,
			Description:   d.Description,
			Metadata:      d.Metadata,
			BalanceAfter:  base.balance.Add(SignedAmount(d.Type, d.Amount)),
			CreatedAt:     now,
		}

		var txID any
		if entry.TransactionID != "" {
			txID = entry.TransactionID
		}
		metadata := entry.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO wallet_ledger
            (id, workspace_id, user_id, transaction_id, amount, type, payment_method, category, description, metadata, balance_after, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			entry.ID, entry.Scope.WorkspaceID, entry.Scope.UserID, txID,
			entry.Amount.StringFixed(2), string(entry.Type), string(entry.PaymentMethod),
			entry.Category, entry.Description, metadata,
			entry.BalanceAfter.StringFixed(2), entry.CreatedAt); err != nil {
			return nil, err
		}

		balances[key] = lockedBalance{balance: entry.BalanceAfter, trusted: true}
		entries = append(entries, entry)
	}

	for key, b := range balances {
		scope, method := key.scope, key.method
		if _, err := tx.Exec(ctx, `UPDATE wallet_balances
            SET current_balance = $4, last_recalculated_at = $5, updated_at = $5
            WHERE workspace_id = $1 AND user_id = $2 AND payment_method = $3`,
			scope.WorkspaceID, scope.UserID, string(method), b.balance.StringFixed(2), now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entries, nil
}

type balanceKey struct {
	scope  Scope
	method PaymentMethod
}

func keyOf(scope Scope, method PaymentMethod) balanceKey {
	return balanceKey{scope: scope, method: method}
}

type lockedBalance struct {
	balance decimal.Decimal
	trusted bool
}

// lockKeys materializes and row-locks the snapshot for every distinct key in
// sorted order, returning each key's cached balance and whether it is fresh
// enough to build on without consulting the ledger.
func (s *PostgresStore) lockKeys(ctx context.Context, tx pgx.Tx, drafts []Draft) (map[balanceKey]lockedBalance, error) {
	keys := make([]balanceKey, 0, len(drafts))
	seen := make(map[balanceKey]bool, len(drafts))
	for _, d := range drafts {
		key := keyOf(d.Scope, d.PaymentMethod)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.scope.WorkspaceID != b.scope.WorkspaceID {
			return a.scope.WorkspaceID < b.scope.WorkspaceID
		}
		if a.scope.UserID != b.scope.UserID {
			return a.scope.UserID < b.scope.UserID
		}
		return a.method < b.method
	})

	now := s.now().UTC()
	balances := make(map[balanceKey]lockedBalance, len(keys))
	for _, key := range keys {
		locked, err := s.lockKey(ctx, tx, key, now)
		if err != nil {
			return nil, err
		}
		balances[key] = locked
	}
	return balances, nil
}

// lockKey materializes the key's snapshot row if needed and takes it FOR
// UPDATE, returning its cached balance and whether it is fresh enough to
// build on without consulting the ledger.
func (s *PostgresStore) lockKey(ctx context.Context, tx pgx.Tx, key balanceKey, now time.Time) (lockedBalance, error) {
	if _, err := tx.Exec(ctx, `INSERT INTO wallet_balances
        (workspace_id, user_id, payment_method, current_balance, last_recalculated_at, updated_at)
        VALUES ($1, $2, $3, 0, 'epoch', 'epoch')
        ON CONFLICT (workspace_id, user_id, payment_method) DO NOTHING`,
		key.scope.WorkspaceID, key.scope.UserID, string(key.method)); err != nil {
		return lockedBalance{}, err
	}

	var balanceRaw string
	var recalculatedAt time.Time
	if err := tx.QueryRow(ctx, `SELECT current_balance::text, last_recalculated_at
        FROM wallet_balances
        WHERE workspace_id = $1 AND user_id = $2 AND payment_method = $3
        FOR UPDATE`,
		key.scope.WorkspaceID, key.scope.UserID, string(key.method)).Scan(&balanceRaw, &recalculatedAt); err != nil {
		return lockedBalance{}, err
	}

	balance, err := decimal.NewFromString(balanceRaw)
	if err != nil {
		return lockedBalance{}, fmt.Errorf("parse snapshot balance: %w", err)
	}
	snap := Snapshot{CurrentBalance: balance, LastRecalculatedAt: recalculatedAt}
	return lockedBalance{balance: balance, trusted: snap.FreshAt(now, s.snapshotWindow)}, nil
}

func latestBalance(ctx context.Context, tx pgx.Tx, scope Scope, method PaymentMethod) (decimal.Decimal, error) {
	var raw string
	err := tx.QueryRow(ctx, `SELECT balance_after::text FROM wallet_ledger
        WHERE workspace_id = $1 AND user_id = $2 AND payment_method = $3
        ORDER BY created_at DESC, seq DESC LIMIT 1`,
		scope.WorkspaceID, scope.UserID, string(method)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// Snapshot returns the cached balance row for the key.
func (s *PostgresStore) Snapshot(ctx context.Context, scope Scope, method PaymentMethod) (Snapshot, error) {
	var raw string
	snap := Snapshot{Scope: scope, PaymentMethod: method}
	err := s.db.QueryRow(ctx, `SELECT current_balance::text, last_recalculated_at
        FROM wallet_balances
        WHERE workspace_id = $1 AND user_id = $2 AND payment_method = $3`,
		scope.WorkspaceID, scope.UserID, string(method)).Scan(&raw, &snap.LastRecalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, err
	}
	if snap.CurrentBalance, err = decimal.NewFromString(raw); err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot balance: %w", err)
	}
	return snap, nil
}

// Recalculate re-derives the key's balance from its latest entry and
// re-primes the snapshot. It takes the same row lock as Append, so the
// refreshed value can never predate a concurrent write: the recalculation
// either runs before the writer (which then overwrites the snapshot) or
// after its commit (and observes its entry).
func (s *PostgresStore) Recalculate(ctx context.Context, scope Scope, method PaymentMethod) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Snapshot{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	now := s.now().UTC()
	key := keyOf(scope, method)
	if _, err := s.lockKey(ctx, tx, key, now); err != nil {
		return Snapshot{}, err
	}

	balance, err := latestBalance(ctx, tx, scope, method)
	if err != nil {
		return Snapshot{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE wallet_balances
        SET current_balance = $4, last_recalculated_at = $5, updated_at = $5
        WHERE workspace_id = $1 AND user_id = $2 AND payment_method = $3`,
		scope.WorkspaceID, scope.UserID, string(method), balance.StringFixed(2), now); err != nil {
		return Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Scope: scope, PaymentMethod: method, CurrentBalance: balance, LastRecalculatedAt: now}, nil
}

// LatestEntry returns the most recent entry for the key.
func (s *PostgresStore) LatestEntry(ctx context.Context, scope Scope, method PaymentMethod) (Entry, error) {
	row := s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM wallet_ledger
        WHERE workspace_id = $1 AND user_id = $2 AND payment_method = $3
        ORDER BY created_at DESC, seq DESC LIMIT 1`,
		scope.WorkspaceID, scope.UserID, string(method))
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNoEntries
	}
	return entry, err
}

// Entries returns every entry for the key in ascending replay order.
func (s *PostgresStore) Entries(ctx context.Context, scope Scope, method PaymentMethod) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM wallet_ledger
        WHERE workspace_id = $1 AND user_id = $2 AND payment_method = $3
        ORDER BY created_at ASC, seq ASC`,
		scope.WorkspaceID, scope.UserID, string(method))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// History returns a descending page of entries, optionally filtered by method.
func (s *PostgresStore) History(ctx context.Context, scope Scope, filter HistoryFilter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + entryColumns + ` FROM wallet_ledger
        WHERE workspace_id = $1 AND user_id = $2`
	args := []any{scope.WorkspaceID, scope.UserID}
	if filter.PaymentMethod != "" {
		query += ` AND payment_method = $3`
		args = append(args, string(filter.PaymentMethod))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, seq DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var txID *string
	var amountRaw, balanceRaw string
	var entryType, method string
	if err := row.Scan(&e.ID, &e.Scope.WorkspaceID, &e.Scope.UserID, &txID,
		&amountRaw, &entryType, &method, &e.Category, &e.Description,
		&e.Metadata, &balanceRaw, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	if txID != nil {
		e.TransactionID = *txID
	}
	e.Type = EntryType(entryType)
	e.PaymentMethod = PaymentMethod(method)
	var err error
	if e.Amount, err = decimal.NewFromString(amountRaw); err != nil {
		return Entry{}, fmt.Errorf("parse entry amount: %w", err)
	}
	if e.BalanceAfter, err = decimal.NewFromString(balanceRaw); err != nil {
		return Entry{}, fmt.Errorf("parse entry balance: %w", err)
	}
	return e, nil
}
