package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	// Register the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"
)

// sqliteTime is fixed-width so timestamps sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000Z"

type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path. Write
// transactions start IMMEDIATE so concurrent debits serialize on the
// database lock instead of failing at commit.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimPrefix(path, "file:")
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("ledger: create database directory: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_txlock", "immediate")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// One writer at a time is all SQLite supports anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: connect sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return balanceQuery(ctx, s.db, userID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balanceQuery(ctx context.Context, q queryRower, userID string) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT "creditBalance" FROM users WHERE id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt balance for %s: %w", userID, err)
	}
	return bal, nil
}

func (s *SQLiteStore) RecordAndDebit(ctx context.Context, log APICallLog) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	bal, err := balanceQuery(ctx, tx, log.UserID)
	if err != nil {
		return decimal.Zero, err
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM api_call_logs WHERE id = ?`, log.ID).Scan(&exists)
	switch {
	case err == nil:
		return bal, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return decimal.Zero, fmt.Errorf("failed to check call log: %w", err)
	}

	next := bal.Sub(log.CreditsUsed)
	if next.IsNegative() {
		return decimal.Zero, ErrInsufficientCredits
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_call_logs (id, "userId", "apiKeyId", model_name, prompt_tokens, completion_tokens, total_tokens, credits_used, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		log.ID, log.UserID, log.APIKeyID, log.ModelName,
		log.PromptTokens, log.CompletionTokens, log.TotalTokens,
		log.CreditsUsed.String(), log.Timestamp.UTC().Format(sqliteTime),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to insert call log: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET "creditBalance" = ? WHERE id = ?`,
		next.String(), log.UserID,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to debit balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return decimal.Zero, ErrAccountNotFound
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit debit: %w", err)
	}
	return next, nil
}

// SetBalance creates or overwrites an account balance. Used by tests and
// local setups; production balances belong to the account store.
func (s *SQLiteStore) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, "creditBalance") VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET "creditBalance" = excluded."creditBalance"
	`, userID, balance.String())
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return nil
}

// CallLogs returns the logs recorded for userID, newest first.
func (s *SQLiteStore) CallLogs(ctx context.Context, userID string) ([]APICallLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, "userId", "apiKeyId", model_name, prompt_tokens, completion_tokens, total_tokens, credits_used, timestamp
		FROM api_call_logs WHERE "userId" = ? ORDER BY timestamp DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query call logs: %w", err)
	}
	defer rows.Close()

	var out []APICallLog
	for rows.Next() {
		var (
			l       APICallLog
			credits string
			ts      string
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.APIKeyID, &l.ModelName,
			&l.PromptTokens, &l.CompletionTokens, &l.TotalTokens, &credits, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan call log: %w", err)
		}
		if l.Timestamp, err = time.Parse(sqliteTime, ts); err != nil {
			return nil, fmt.Errorf("corrupt timestamp for %s: %w", l.ID, err)
		}
		if l.CreditsUsed, err = decimal.NewFromString(credits); err != nil {
			return nil, fmt.Errorf("corrupt credits for %s: %w", l.ID, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
