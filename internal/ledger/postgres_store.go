package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type PostgresStore struct {
	db    DB
	close func()
}

// OpenPostgres connects a pool to dsn and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping postgres: %w", err)
	}
	return &PostgresStore{db: pool, close: pool.Close}, nil
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRow(ctx, `SELECT "creditBalance"::text FROM users WHERE id = $1`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return decimal.NewFromString(raw)
}

// RecordAndDebit relies on the conditional UPDATE taking the row lock: a
// concurrent debit waits, then re-evaluates the balance predicate against
// the committed value.
func (s *PostgresStore) RecordAndDebit(ctx context.Context, log APICallLog) (decimal.Decimal, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO api_call_logs (id, "userId", "apiKeyId", model_name, prompt_tokens, completion_tokens, total_tokens, credits_used, timestamp)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::int, $6::int, $7::int, $8::text::numeric, $9::timestamptz
		WHERE EXISTS (SELECT 1 FROM users WHERE id = $2)
		ON CONFLICT (id) DO NOTHING
	`,
		log.ID, log.UserID, log.APIKeyID, log.ModelName,
		log.PromptTokens, log.CompletionTokens, log.TotalTokens,
		log.CreditsUsed.String(), log.Timestamp,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to insert call log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the account is missing or this log was already committed.
		bal, err := s.balanceTx(ctx, tx, log.UserID)
		if err != nil {
			return decimal.Zero, err
		}
		return bal, tx.Commit(ctx)
	}

	var raw string
	err = tx.QueryRow(ctx, `
		UPDATE users SET "creditBalance" = "creditBalance" - $2::text::numeric
		WHERE id = $1 AND "creditBalance" >= $2::text::numeric
		RETURNING "creditBalance"::text
	`, log.UserID, log.CreditsUsed.String()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrInsufficientCredits
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to debit balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit debit: %w", err)
	}
	return decimal.NewFromString(raw)
}

func (s *PostgresStore) balanceTx(ctx context.Context, tx pgx.Tx, userID string) (decimal.Decimal, error) {
	var raw string
	err := tx.QueryRow(ctx, `SELECT "creditBalance"::text FROM users WHERE id = $1`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return decimal.NewFromString(raw)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
