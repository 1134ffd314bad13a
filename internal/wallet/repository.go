package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const walletColumns = `id, customer_id, currency, status, balance, daily_limit, monthly_limit, created_at, updated_at`

// Effect is one balance mutation derived from a completed transaction. The
// (TransactionID, WalletID) pair is the dedup identity: applying the same
// effect twice is a no-op by construction.
type Effect struct {
	TransactionID uuid.UUID
	WalletID      uuid.UUID
	Credit        bool
	Amount        decimal.Decimal
}

// Repository persists wallets and applies balance effects.
type Repository interface {
	Create(ctx context.Context, w Wallet) error
	Get(ctx context.Context, id uuid.UUID) (Wallet, error)
	GetByCustomerAndCurrency(ctx context.Context, customerID uuid.UUID, currency string) (Wallet, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]Wallet, error)
	ListIDs(ctx context.Context, limit, offset int32) ([]uuid.UUID, error)

	// ApplyEffect records the effect marker and moves the balance in one
	// transaction. Returns ErrEffectApplied when the marker already exists
	// and ErrBalanceBelowZero when the debit cannot be honored; in both
	// cases the balance is untouched.
	ApplyEffect(ctx context.Context, e Effect) (Wallet, error)
}

// PostgresRepository stores wallets in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, w Wallet) error {
	const query = `
        INSERT INTO wallets (` + walletColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.Exec(ctx, query,
		w.ID, w.CustomerID, w.Currency, w.Status, w.Balance,
		w.DailyLimit, w.MonthlyLimit, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (Wallet, error) {
	row := r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	return scanWallet(row)
}

func (r *PostgresRepository) GetByCustomerAndCurrency(ctx context.Context, customerID uuid.UUID, currency string) (Wallet, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE customer_id = $1 AND currency = $2`,
		customerID, currency)
	return scanWallet(row)
}

func (r *PostgresRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]Wallet, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE customer_id = $1 ORDER BY created_at`,
		customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wallets := make([]Wallet, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (r *PostgresRepository) ListIDs(ctx context.Context, limit, offset int32) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.Query(ctx, `SELECT id FROM wallets ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0, limit)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) ApplyEffect(ctx context.Context, e Effect) (Wallet, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	// The marker insert is the dedup gate. On conflict the whole transaction
	// rolls back and the balance stays untouched.
	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_applied_events (transaction_id, wallet_id) VALUES ($1, $2)`,
		e.TransactionID, e.WalletID)
	if err != nil {
		if isUniqueViolation(err) {
			return Wallet{}, ErrEffectApplied
		}
		return Wallet{}, err
	}

	row := tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, e.WalletID)
	w, err := scanWallet(row)
	if err != nil {
		return Wallet{}, err
	}

	balance := w.Balance.Add(e.Amount)
	if !e.Credit {
		balance = w.Balance.Sub(e.Amount)
	}
	if balance.IsNegative() {
		return Wallet{}, ErrBalanceBelowZero
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `UPDATE wallets SET balance = $2, updated_at = $3 WHERE id = $1`,
		e.WalletID, balance, now)
	if err != nil {
		return Wallet{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, err
	}

	w.Balance = balance
	w.UpdatedAt = now
	return w, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (Wallet, error) {
	var w Wallet
	err := row.Scan(
		&w.ID, &w.CustomerID, &w.Currency, &w.Status, &w.Balance,
		&w.DailyLimit, &w.MonthlyLimit, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
