// Package metering writes usage to the ledger off the request path without
// losing it.
//
// Jobs are handed to a fixed pool of workers through a buffered channel.
// When the channel is full the submitting goroutine writes the job itself,
// so a slow database applies backpressure instead of dropping usage. Each
// write is retried with exponential backoff; a job that still fails (or
// fails permanently, e.g. insufficient credits) is reported as a dead
// letter: logged as ledger_failure, counted, and moved to the Redis
// dead-letter stream when a journal is configured.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llmhub/internal/ledger"
	"github.com/nulpointcorp/llmhub/internal/metrics"
)

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 5
	defaultQueueSize   = 1_000
	defaultBackoff     = 100 * time.Millisecond
	maxBackoff         = 5 * time.Second
	journalTimeout     = 2 * time.Second
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("metering: recorder closed")

// Committer is the ledger write the recorder retries.
type Committer interface {
	Commit(ctx context.Context, log ledger.APICallLog) (decimal.Decimal, error)
}

// Job is one usage record waiting for the ledger.
type Job struct {
	Log       ledger.APICallLog `json:"log"`
	RequestID string            `json:"request_id"`

	journalID string
}

type Options struct {
	Ledger Committer
	// Journal enables the write-ahead log and the dead-letter stream.
	Journal     *Journal
	Workers     int
	MaxAttempts int
	QueueSize   int
	// Backoff is the delay before the second attempt; it doubles per attempt.
	Backoff time.Duration
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

type Recorder struct {
	ledger      Committer
	journal     *Journal
	maxAttempts int
	backoff     time.Duration
	metrics     *metrics.Registry
	log         *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Job
	wg     sync.WaitGroup

	committed   atomic.Int64
	deadLetters atomic.Int64
}

func New(opts Options) (*Recorder, error) {
	if opts.Ledger == nil {
		return nil, errors.New("metering: ledger is required")
	}
	r := &Recorder{
		ledger:      opts.Ledger,
		journal:     opts.Journal,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		metrics:     opts.Metrics,
		log:         opts.Logger,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}

	r.queue = make(chan Job, size)
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.run()
	}
	return r, nil
}

// Submit journals job and hands it to a worker. If every worker is busy and
// the queue is full the job is written before Submit returns.
func (r *Recorder) Submit(ctx context.Context, job Job) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	job = r.append(ctx, job)

	select {
	case r.queue <- job:
		r.metrics.SetMeteringQueue(len(r.queue))
		return nil
	default:
	}

	r.log.WarnContext(ctx, "metering_queue_full",
		slog.String("request_id", job.RequestID),
		slog.Int("capacity", cap(r.queue)),
	)
	r.process(context.WithoutCancel(ctx), job)
	return nil
}

// Record journals and writes job synchronously. The returned error is the
// final ledger error; the job has already been dead-lettered when it is
// non-nil.
func (r *Recorder) Record(ctx context.Context, job Job) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return r.process(context.WithoutCancel(ctx), r.append(ctx, job))
}

// Replay re-submits every job left in the journal by a previous process.
// Commits are idempotent by log id, so a job that did commit before the
// crash is not charged twice.
func (r *Recorder) Replay(ctx context.Context) (int, error) {
	if r.journal == nil {
		return 0, nil
	}
	jobs, err := r.journal.Pending(ctx)
	if err != nil {
		r.log.ErrorContext(ctx, "metering_replay_error", slog.String("error", err.Error()))
	}
	for _, job := range jobs {
		r.process(ctx, job)
	}
	if len(jobs) > 0 {
		r.log.InfoContext(ctx, "metering_replayed", slog.Int("jobs", len(jobs)))
	}
	return len(jobs), err
}

// Close stops accepting jobs and waits until every queued job has either
// committed or been dead-lettered.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	r.metrics.SetMeteringQueue(0)
	return nil
}

// Committed returns the number of jobs written so far.
func (r *Recorder) Committed() int64 { return r.committed.Load() }

// DeadLetters returns the number of jobs that could not be written.
func (r *Recorder) DeadLetters() int64 { return r.deadLetters.Load() }

func (r *Recorder) run() {
	defer r.wg.Done()
	for job := range r.queue {
		r.metrics.SetMeteringQueue(len(r.queue))
		r.process(context.Background(), job)
	}
}

func (r *Recorder) append(ctx context.Context, job Job) Job {
	if r.journal == nil {
		return job
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()

	id, err := r.journal.Append(jctx, job)
	if err != nil {
		// The write itself can still succeed; only crash recovery is lost.
		r.log.WarnContext(ctx, "metering_journal_error",
			slog.String("request_id", job.RequestID),
			slog.String("log_id", job.Log.ID),
			slog.String("error", err.Error()),
		)
		return job
	}
	job.journalID = id
	return job
}

// process commits job with retries and returns the final error.
func (r *Recorder) process(ctx context.Context, job Job) error {
	var err error
	delay := r.backoff

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		_, err = r.ledger.Commit(ctx, job.Log)
		if err == nil {
			r.committed.Add(1)
			r.metrics.RecordLedger("ok")
			r.metrics.AddCredits(job.Log.ModelName, job.Log.CreditsUsed)
			if r.journal != nil {
				if rerr := r.journal.Remove(ctx, job.journalID); rerr != nil {
					r.log.WarnContext(ctx, "metering_journal_error",
						slog.String("request_id", job.RequestID),
						slog.String("log_id", job.Log.ID),
						slog.String("error", rerr.Error()),
					)
				}
			}
			return nil
		}
		if ledger.Permanent(err) || attempt == r.maxAttempts {
			break
		}

		r.metrics.RecordLedger("retry")
		r.log.WarnContext(ctx, "ledger_retry",
			slog.String("request_id", job.RequestID),
			slog.String("log_id", job.Log.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.deadLetter(ctx, job, err)
			return err
		}
		delay = min(delay*2, maxBackoff)
	}

	r.deadLetter(ctx, job, err)
	return err
}

func (r *Recorder) deadLetter(ctx context.Context, job Job, cause error) {
	r.deadLetters.Add(1)
	result := "dead_letter"
	if errors.Is(cause, ledger.ErrInsufficientCredits) {
		result = "insufficient"
	}
	r.metrics.RecordLedger(result)

	r.log.ErrorContext(ctx, "ledger_failure",
		slog.String("request_id", job.RequestID),
		slog.String("log_id", job.Log.ID),
		slog.String("user_id", job.Log.UserID),
		slog.String("api_key_id", job.Log.APIKeyID),
		slog.String("model", job.Log.ModelName),
		slog.Int("prompt_tokens", job.Log.PromptTokens),
		slog.Int("completion_tokens", job.Log.CompletionTokens),
		slog.String("credits_used", job.Log.CreditsUsed.String()),
		slog.String("error", cause.Error()),
	)

	if r.journal == nil {
		return
	}
	if err := r.journal.DeadLetter(context.WithoutCancel(ctx), job, cause.Error()); err != nil {
		r.log.ErrorContext(ctx, "metering_dead_letter_error",
			slog.String("log_id", job.Log.ID),
			slog.String("error", fmt.Sprintf("%v (cause: %v)", err, cause)),
		)
	}
}
