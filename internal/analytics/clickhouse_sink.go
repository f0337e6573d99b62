package analytics

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createTable = `
CREATE TABLE IF NOT EXISTS llmhub_requests (
	id                UUID,
	request_id        String,
	user_id           String,
	label             LowCardinality(String),
	routed            Bool,
	decision_cached   Bool,
	status            UInt16,
	latency_ms        UInt32,
	prompt_tokens     UInt32,
	completion_tokens UInt32,
	created_at        DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (created_at, label)`

const insertBatch = `INSERT INTO llmhub_requests (
	id, request_id, user_id, label, routed, decision_cached,
	status, latency_ms, prompt_tokens, completion_tokens, created_at
)`

// ClickHouseSink ships batches to ClickHouse with a single batch insert per
// flush.
type ClickHouseSink struct {
	conn driver.Conn
}

// OpenClickHouse connects using a clickhouse:// DSN and creates the events
// table when missing.
func OpenClickHouse(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("analytics: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: create table: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	batch, err := s.conn.PrepareBatch(ctx, insertBatch)
	if err != nil {
		return fmt.Errorf("analytics: prepare batch: %w", err)
	}
	for _, e := range events {
		if err := batch.Append(
			e.ID,
			e.RequestID,
			e.UserID,
			e.Label,
			e.Routed,
			e.DecisionCached,
			e.Status,
			e.LatencyMs,
			e.PromptTokens,
			e.CompletionTokens,
			normalizeTime(e.CreatedAt),
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("analytics: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("analytics: send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
