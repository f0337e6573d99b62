package analytics

import (
	"context"
	"log/slog"
)

// SlogSink writes every event as one structured log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, batch []Event) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "completion",
			slog.String("id", e.ID.String()),
			slog.String("request_id", e.RequestID),
			slog.String("user_id", e.UserID),
			slog.String("label", e.Label),
			slog.Bool("routed", e.Routed),
			slog.Bool("decision_cached", e.DecisionCached),
			slog.Uint64("status", uint64(e.Status)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("prompt_tokens", uint64(e.PromptTokens)),
			slog.Uint64("completion_tokens", uint64(e.CompletionTokens)),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
