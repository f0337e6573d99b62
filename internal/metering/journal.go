package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultJournalStream = "usage:v1:journal"
	defaultDLQStream     = "usage:v1:dlq"
)

// Journal is a write-ahead log of usage jobs kept in a Redis stream. A job
// is appended before the ledger write is attempted and deleted once it
// commits, so whatever is left in the stream after a crash is replayed on
// the next start.
type Journal struct {
	rdb    *redis.Client
	stream string
	dlq    string
}

func NewJournal(rdb *redis.Client) *Journal {
	return &Journal{rdb: rdb, stream: defaultJournalStream, dlq: defaultDLQStream}
}

// Append stores job and returns its stream id.
func (j *Journal) Append(ctx context.Context, job Job) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("journal: marshal job: %w", err)
	}
	id, err := j.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: j.stream,
		Values: map[string]interface{}{
			"logId":   job.Log.ID,
			"payload": string(payload),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("journal: append: %w", err)
	}
	return id, nil
}

// Remove deletes a committed job.
func (j *Journal) Remove(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return j.rdb.XDel(ctx, j.stream, id).Err()
}

// Pending returns every job still in the journal, oldest first. Messages
// that cannot be parsed are skipped and reported in the joined error.
func (j *Journal) Pending(ctx context.Context) ([]Job, error) {
	msgs, err := j.rdb.XRange(ctx, j.stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("journal: read: %w", err)
	}
	jobs := make([]Job, 0, len(msgs))
	var errs []error
	for _, msg := range msgs {
		job, err := parseMessage(msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Join(errs...)
}

// DeadLetter moves a job that cannot be committed to the dead-letter stream
// together with the reason.
func (j *Journal) DeadLetter(ctx context.Context, job Job, reason string) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("journal: marshal job: %w", err)
	}
	err = j.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: j.dlq,
		Values: map[string]interface{}{
			"original_message_id": job.journalID,
			"logId":               job.Log.ID,
			"reason":              reason,
			"moved_at":            time.Now().UTC().Format(time.RFC3339),
			"payload":             string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("journal: dead letter: %w", err)
	}
	return j.Remove(ctx, job.journalID)
}

// DeadLetters returns the number of jobs in the dead-letter stream.
func (j *Journal) DeadLetters(ctx context.Context) (int64, error) {
	return j.rdb.XLen(ctx, j.dlq).Result()
}

func parseMessage(msg redis.XMessage) (Job, error) {
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return Job{}, fmt.Errorf("journal: message %s has no payload", msg.ID)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("journal: parse message %s: %w", msg.ID, err)
	}
	job.journalID = msg.ID
	return job, nil
}
