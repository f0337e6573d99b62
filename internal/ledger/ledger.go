// Package ledger prices completed calls and debits caller credit balances.
//
// Every debit goes through Store.RecordAndDebit, which writes the call log
// row and decrements the balance in one transaction, and only when the
// balance covers the cost. A separate CheckBalance beforehand is an early
// refusal, never the guarantee.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llmhub/internal/chat"
	"github.com/nulpointcorp/llmhub/internal/registry"
	"github.com/nulpointcorp/llmhub/pkg/apierr"
)

// CreditPrecision is the number of fractional digits credits are rounded to.
const CreditPrecision = 6

var (
	// ErrInsufficientCredits means the debit would take the balance below
	// zero. Nothing was written.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")

	// ErrAccountNotFound means no users row exists for the caller.
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// APICallLog is one immutable api_call_logs row.
type APICallLog struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	APIKeyID         string          `json:"api_key_id"`
	ModelName        string          `json:"model_name"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	CreditsUsed      decimal.Decimal `json:"credits_used"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Store persists call logs and balances.
type Store interface {
	// Balance returns the caller's credit balance or ErrAccountNotFound.
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// RecordAndDebit inserts log and debits log.CreditsUsed in a single
	// transaction and returns the new balance. A log id that was already
	// recorded is a no-op. Returns ErrInsufficientCredits or
	// ErrAccountNotFound without writing anything.
	RecordAndDebit(ctx context.Context, log APICallLog) (decimal.Decimal, error)
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

type Options struct {
	// MinBalance is the balance below which CheckBalance refuses.
	MinBalance decimal.Decimal
	// ClassifierSurcharge is added to the cost of calls that needed a
	// classifier round trip.
	ClassifierSurcharge decimal.Decimal
}

type Ledger struct {
	store      Store
	minBalance decimal.Decimal
	surcharge  decimal.Decimal
	now        func() time.Time
}

func New(store Store, opts Options) *Ledger {
	return &Ledger{
		store:      store,
		minBalance: opts.MinBalance,
		surcharge:  opts.ClassifierSurcharge,
		now:        time.Now,
	}
}

func (l *Ledger) Store() Store { return l.store }

// Cost prices usage against entry:
//
//	(prompt*PriceInput + completion*PriceOutput)/1e6 (+ surcharge)
//
// rounded to CreditPrecision digits.
func (l *Ledger) Cost(entry *registry.Entry, usage chat.Usage, classified bool) decimal.Decimal {
	cost := entry.Price(usage.PromptTokens, usage.CompletionTokens)
	if classified {
		cost = cost.Add(l.surcharge)
	}
	return cost.Round(CreditPrecision)
}

// CheckBalance refuses callers whose balance is below the minimum or who
// have no account. It is read-only.
func (l *Ledger) CheckBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	bal, err := l.store.Balance(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return decimal.Zero, apierr.Wrap(apierr.KindInsufficientBalance, "no credit account exists for this user", err)
	}
	if err != nil {
		return decimal.Zero, apierr.Wrap(apierr.KindLedger, "balance lookup failed", err)
	}
	if bal.LessThan(l.minBalance) {
		return bal, apierr.InsufficientBalance(fmt.Sprintf(
			"credit balance %s is below the required minimum of %s", bal.StringFixed(2), l.minBalance.StringFixed(2)))
	}
	return bal, nil
}

// NewLog prices a completed response and returns the row to record. The id
// is generated here so retries of the same row stay idempotent.
func (l *Ledger) NewLog(entry *registry.Entry, resp *chat.Response, userID, apiKeyID string, classified bool) APICallLog {
	return APICallLog{
		ID:               uuid.NewString(),
		UserID:           userID,
		APIKeyID:         apiKeyID,
		ModelName:        entry.Label,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		CreditsUsed:      l.Cost(entry, resp.Usage, classified),
		Timestamp:        l.now().UTC(),
	}
}

// Commit writes log through the store. Failures are tagged apierr.KindLedger.
func (l *Ledger) Commit(ctx context.Context, log APICallLog) (decimal.Decimal, error) {
	bal, err := l.store.RecordAndDebit(ctx, log)
	if err != nil {
		return decimal.Zero, apierr.Wrap(apierr.KindLedger, "usage could not be recorded", err)
	}
	return bal, nil
}

// RecordAndDebit prices resp and commits it in one step.
func (l *Ledger) RecordAndDebit(ctx context.Context, entry *registry.Entry, resp *chat.Response, userID, apiKeyID string, classified bool) (APICallLog, error) {
	log := l.NewLog(entry, resp, userID, apiKeyID, classified)
	if _, err := l.Commit(ctx, log); err != nil {
		return APICallLog{}, err
	}
	return log, nil
}

// Permanent reports whether a commit error will fail again on retry.
func Permanent(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrAccountNotFound)
}

// Open returns the store for driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, url string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case "postgres":
		s, err = OpenPostgres(ctx, url)
	case "sqlite":
		s, err = OpenSQLite(ctx, url)
	default:
		return nil, fmt.Errorf("ledger: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
