// Package analytics implements a non-blocking, batched request-analytics
// logger.
//
// Events are written to an internal buffered channel and flushed in batches
// to a Sink by a background goroutine, so recording never blocks the request
// path. If the channel fills up (> 10 000 events), new events are dropped and
// counted in Dropped.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	flushTimeout  = 5 * time.Second
)

// Event describes one finished chat-completion request.
type Event struct {
	ID               uuid.UUID
	RequestID        string
	UserID           string
	Label            string
	Routed           bool
	DecisionCached   bool
	Status           uint16
	LatencyMs        uint32
	PromptTokens     uint32
	CompletionTokens uint32
	CreatedAt        time.Time
}

// Sink receives flushed batches.
type Sink interface {
	Write(ctx context.Context, batch []Event) error
	Close() error
}

type Logger struct {
	sink      Sink
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	return newLogger(ctx, sink, slogger, channelBuffer)
}

func newLogger(ctx context.Context, sink Sink, slogger *slog.Logger, buffer int) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("analytics: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	if sink == nil {
		sink = NewSlogSink(slogger)
	}

	l := &Logger{
		sink:    sink,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		baseCtx: context.WithoutCancel(ctx),
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues e. It never blocks.
func (l *Logger) Log(e Event) {
	if l == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	select {
	case l.ch <- e:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full buffer or a failed
// flush.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close flushes everything still buffered and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(l.baseCtx, flushTimeout)
		defer cancel()
		if err := l.sink.Write(ctx, batch); err != nil {
			l.dropped.Add(int64(len(batch)))
			l.log.WarnContext(ctx, "analytics_flush_error",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
