package customer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const customerColumns = `id, subject, email, status, created_at, updated_at`

// Repository persists customers. Upsert keys on subject so event redelivery
// is a no-op that returns the stored row.
type Repository interface {
	Upsert(ctx context.Context, c Customer) (Customer, error)
	Get(ctx context.Context, id uuid.UUID) (Customer, error)
	GetBySubject(ctx context.Context, subject string) (Customer, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) (Customer, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed customer repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Upsert(ctx context.Context, c Customer) (Customer, error) {
	const query = `
        INSERT INTO customers (` + customerColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (subject) DO UPDATE
        SET email = EXCLUDED.email, updated_at = EXCLUDED.updated_at
        RETURNING ` + customerColumns
	row := r.db.QueryRow(ctx, query, c.ID, c.Subject, c.Email, c.Status, c.CreatedAt, c.UpdatedAt)
	return scanCustomer(row)
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (Customer, error) {
	row := r.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
	return scanCustomer(row)
}

func (r *PostgresRepository) GetBySubject(ctx context.Context, subject string) (Customer, error) {
	row := r.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE subject = $1`, subject)
	return scanCustomer(row)
}

func (r *PostgresRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) (Customer, error) {
	const query = `
        UPDATE customers
        SET status = $2, updated_at = $3
        WHERE id = $1
        RETURNING ` + customerColumns
	row := r.db.QueryRow(ctx, query, id, status, time.Now().UTC())
	return scanCustomer(row)
}

func scanCustomer(row pgx.Row) (Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.Subject, &c.Email, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Customer{}, ErrNotFound
		}
		return Customer{}, err
	}
	return c, nil
}
