package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/events"
	"github.com/nyotapay/nyotapay/internal/limits"
)

const txnColumns = `id, idempotency_key, type, status, amount, fee, currency,
        source_wallet_id, dest_wallet_id, failure_reason, metadata, initiated_at, completed_at`

const entryColumns = `id, transaction_id, wallet_id, account, direction, amount, balance_after, created_at`

// PostgresStore persists transactions, entries and outbox rows in PostgreSQL.
// Postings run in a single database transaction with wallet rows locked FOR
// UPDATE, which makes the guard's view authoritative until commit.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreatePosting(ctx context.Context, txn Transaction, outbound []events.Outbound, guard GuardFunc) (Transaction, []Entry, error) {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, nil, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if txn.IdempotencyKey != "" {
		var existing uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM transactions WHERE idempotency_key = $1`, txn.IdempotencyKey).Scan(&existing)
		if err == nil {
			return Transaction{}, nil, ErrDuplicateKey
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, nil, err
		}
	}

	now := time.Now().UTC()
	ids := involvedWallets(txn)
	rows := make(map[uuid.UUID]WalletRow, len(ids))
	for _, id := range ids {
		row, err := lockWalletRow(ctx, tx, id)
		if err != nil {
			return Transaction{}, nil, err
		}
		rows[id] = row
	}
	usage := make(map[uuid.UUID]limits.Usage, len(ids))
	for _, id := range ids {
		u, err := windowUsage(ctx, tx, id, now)
		if err != nil {
			return Transaction{}, nil, err
		}
		usage[id] = u
	}
	if guard != nil {
		if err := guard(rows, usage); err != nil {
			return Transaction{}, nil, err
		}
	}

	if txn.InitiatedAt.IsZero() {
		txn.InitiatedAt = now
	}
	completed := now
	txn.Status = StatusCompleted
	txn.CompletedAt = &completed
	txn.FailureReason = ""

	if err := insertTransaction(ctx, tx, txn); err != nil {
		return Transaction{}, nil, err
	}

	entries, err := buildEntries(txn)
	if err != nil {
		return Transaction{}, nil, err
	}
	for i := range entries {
		balance, err := accountBalanceTx(ctx, tx, entries[i].Account)
		if err != nil {
			return Transaction{}, nil, err
		}
		entries[i].ID = uuid.New()
		entries[i].CreatedAt = now
		entries[i].BalanceAfter = balance.Add(entries[i].signed())
		if err := insertEntry(ctx, tx, entries[i]); err != nil {
			return Transaction{}, nil, err
		}
	}

	if err := enqueueOutboxTx(ctx, tx, outbound, now); err != nil {
		return Transaction{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, nil, err
	}
	return txn, entries, nil
}

func (s *PostgresStore) CreateFailed(ctx context.Context, txn Transaction, outbound []events.Outbound) (Transaction, error) {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	now := time.Now().UTC()
	if txn.InitiatedAt.IsZero() {
		txn.InitiatedAt = now
	}
	completed := now
	txn.Status = StatusFailed
	txn.CompletedAt = &completed

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := insertTransaction(ctx, tx, txn); err != nil {
		return Transaction{}, err
	}
	if err := enqueueOutboxTx(ctx, tx, outbound, now); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	return txn, nil
}

func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	return txn, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int64, error) {
	filter = filter.normalized()

	clauses := make([]string, 0, 5)
	args := make([]any, 0, 7)
	arg := func(v any) int {
		args = append(args, v)
		return len(args)
	}
	if filter.WalletID != uuid.Nil {
		i := arg(filter.WalletID)
		clauses = append(clauses, fmt.Sprintf("(source_wallet_id = $%d OR dest_wallet_id = $%d)", i, i))
	}
	if filter.Type != "" {
		clauses = append(clauses, fmt.Sprintf("type = $%d", arg(string(filter.Type))))
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", arg(string(filter.Status))))
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, fmt.Sprintf("initiated_at >= $%d", arg(filter.From)))
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, fmt.Sprintf("initiated_at <= $%d", arg(filter.To)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + txnColumns + ` FROM transactions` + where +
		fmt.Sprintf(" ORDER BY initiated_at DESC LIMIT $%d OFFSET $%d", arg(filter.Limit), arg(filter.Offset))
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	txns := make([]Transaction, 0, filter.Limit)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		txns = append(txns, txn)
	}
	return txns, total, rows.Err()
}

func (s *PostgresStore) EntriesForTransaction(ctx context.Context, transactionID uuid.UUID) ([]Entry, error) {
	const query = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE transaction_id = $1 ORDER BY seq`
	rows, err := s.db.Query(ctx, query, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *PostgresStore) EntriesForAccount(ctx context.Context, account string, limit, offset int32) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`
	rows, err := s.db.Query(ctx, query, account, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *PostgresStore) AccountBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	const query = `
        SELECT COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE -amount END), 0)
        FROM ledger_entries
        WHERE account = $1`
	var balance decimal.Decimal
	if err := s.db.QueryRow(ctx, query, account).Scan(&balance); err != nil {
		return decimal.Decimal{}, err
	}
	return balance, nil
}

func (s *PostgresStore) ClaimPendingEvents(ctx context.Context, limit int32, staleAfter time.Duration) ([]events.OutboxMessage, error) {
	if limit <= 0 {
		limit = 25
	}
	staleSeconds := int64(staleAfter.Seconds())
	if staleSeconds <= 0 {
		staleSeconds = 60
	}

	const query = `
        WITH candidates AS (
            SELECT id
            FROM event_outbox
            WHERE (status = 'pending' AND next_attempt_at <= NOW())
               OR (status = 'processing' AND claimed_at < NOW() - ($2 * INTERVAL '1 second'))
            ORDER BY id
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        )
        UPDATE event_outbox AS o
        SET status = 'processing', claimed_at = NOW(), attempts = o.attempts + 1
        FROM candidates
        WHERE o.id = candidates.id
        RETURNING o.id, o.topic, o.payload::text, o.attempts`
	rows, err := s.db.Query(ctx, query, limit, staleSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]events.OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         events.OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) MarkEventPublished(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `
        UPDATE event_outbox
        SET status = 'published', published_at = NOW(), claimed_at = NULL, last_error = NULL
        WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) MarkEventFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error {
	retrySeconds := int64(retryAfter.Seconds())
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := s.db.Exec(ctx, `
        UPDATE event_outbox
        SET status = 'pending', next_attempt_at = NOW() + ($2 * INTERVAL '1 second'), claimed_at = NULL, last_error = $3
        WHERE id = $1`, id, retrySeconds, reason)
	return err
}

func lockWalletRow(ctx context.Context, tx pgx.Tx, walletID uuid.UUID) (WalletRow, error) {
	const query = `
        SELECT id, customer_id, currency, status, balance, daily_limit, monthly_limit
        FROM wallets
        WHERE id = $1
        FOR UPDATE`
	var row WalletRow
	err := tx.QueryRow(ctx, query, walletID).Scan(
		&row.ID, &row.CustomerID, &row.Currency, &row.Status,
		&row.Balance, &row.DailyLimit, &row.MonthlyLimit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WalletRow{}, WalletNotFoundError{WalletID: walletID}
		}
		return WalletRow{}, err
	}
	return row, nil
}

// windowUsage sums completed-transaction amounts touching the wallet in the
// current UTC day and month. Runs inside the posting transaction, after the
// wallet row is locked, so concurrent postings cannot both pass a limit they
// jointly exceed.
func windowUsage(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, now time.Time) (limits.Usage, error) {
	const query = `
        SELECT
            COALESCE(SUM(amount) FILTER (WHERE initiated_at >= $2), 0),
            COALESCE(SUM(amount), 0)
        FROM transactions
        WHERE status = 'COMPLETED'
          AND (source_wallet_id = $1 OR dest_wallet_id = $1)
          AND initiated_at >= $3
          AND initiated_at <= $4`
	var usage limits.Usage
	err := tx.QueryRow(ctx, query, walletID, limits.StartOfDay(now), limits.StartOfMonth(now), now).
		Scan(&usage.Daily, &usage.Monthly)
	if err != nil {
		return limits.Usage{}, err
	}
	return usage, nil
}

func accountBalanceTx(ctx context.Context, tx pgx.Tx, account string) (decimal.Decimal, error) {
	const query = `
        SELECT COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE -amount END), 0)
        FROM ledger_entries
        WHERE account = $1`
	var balance decimal.Decimal
	if err := tx.QueryRow(ctx, query, account).Scan(&balance); err != nil {
		return decimal.Decimal{}, err
	}
	return balance, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, txn Transaction) error {
	const query = `
        INSERT INTO transactions (` + txnColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	metadata := txn.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := tx.Exec(ctx, query,
		txn.ID, nullableString(txn.IdempotencyKey), string(txn.Type), string(txn.Status),
		txn.Amount, txn.Fee, txn.Currency, txn.SourceWalletID, txn.DestWalletID,
		nullableString(txn.FailureReason), metadata, txn.InitiatedAt, txn.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e Entry) error {
	const query = `
        INSERT INTO ledger_entries (` + entryColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := tx.Exec(ctx, query,
		e.ID, e.TransactionID, e.WalletID, e.Account, string(e.Direction),
		e.Amount, e.BalanceAfter, e.CreatedAt,
	)
	return err
}

func enqueueOutboxTx(ctx context.Context, tx pgx.Tx, outbound []events.Outbound, now time.Time) error {
	for _, out := range outbound {
		payload, err := json.Marshal(out.Envelope)
		if err != nil {
			return fmt.Errorf("marshal outbox payload: %w", err)
		}
		_, err = tx.Exec(ctx, `
            INSERT INTO event_outbox (topic, payload, status, next_attempt_at)
            VALUES ($1, $2::jsonb, $3, $4)`,
			out.Topic, string(payload), outboxStatusPending, now)
		if err != nil {
			return fmt.Errorf("enqueue outbox event: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		txn    Transaction
		key    *string
		reason *string
	)
	err := row.Scan(
		&txn.ID, &key, &txn.Type, &txn.Status, &txn.Amount, &txn.Fee, &txn.Currency,
		&txn.SourceWalletID, &txn.DestWalletID, &reason, &txn.Metadata,
		&txn.InitiatedAt, &txn.CompletedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	if key != nil {
		txn.IdempotencyKey = *key
	}
	if reason != nil {
		txn.FailureReason = *reason
	}
	return txn, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID, &e.TransactionID, &e.WalletID, &e.Account, &e.Direction,
			&e.Amount, &e.BalanceAfter, &e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
