// Package queue keeps visit submissions on the device until the server acknowledges them.
//
// The stored queue is the source of truth. Several agent processes may share one store, so every
// operation re-reads it and every change is applied through Storage.Update as one atomic
// read-modify-write.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldroute/internal/idempotency"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrMissingStorage   = errors.New("queue: storage is required")
	ErrMissingTransport = errors.New("queue: transport is required")
	ErrInvalidVisitID   = errors.New("queue: visit id must be positive")
	ErrInvalidPayload   = errors.New("queue: payload must be valid JSON")
	ErrNotAcknowledged  = errors.New("queue: server responded ok:false")
)

const flushKey = "flush"

// Storage persists the serialized queue as one blob.
//
// Update hands change the current blob and stores what it returns. The read and the write must
// be atomic with respect to every other Update on the same blob, including ones made by other
// processes.
type Storage interface {
	Load(ctx context.Context) ([]byte, error)
	Update(ctx context.Context, change func(current []byte) ([]byte, error)) error
}

// Ack is the server's answer to a submission.
type Ack struct {
	OK         bool
	Idempotent bool
	ID         string
}

// Transport delivers one submission to the server.
type Transport interface {
	Submit(ctx context.Context, token string, visitID int64, payload json.RawMessage) (Ack, error)
}

// Config wires a Queue.
type Config struct {
	Storage   Storage
	Transport Transport
	Clock     func() time.Time
	Logger    *zap.Logger
}

// FlushResult counts the records delivered by a flush and those still queued afterwards.
type FlushResult struct {
	Sent      int `json:"sent"`
	Remaining int `json:"remaining"`
}

// Stats summarizes the queue for status indicators.
type Stats struct {
	Pending         int        `json:"pending"`
	MaxAttempts     int        `json:"max_attempts"`
	OldestNextTryAt *time.Time `json:"oldest_next_try_at,omitempty"`
}

// Retrying reports whether some submission has failed often enough to surface to the user.
func (s Stats) Retrying() bool {
	return s.MaxAttempts >= RetryingThreshold
}

// SubmitOutcome describes an immediate submission attempt.
type SubmitOutcome struct {
	Delivered bool
	Ack       Ack
	Queued    bool
	Err       error
}

// Queue is a durable, deduplicating outbox of visit submissions.
type Queue struct {
	mu        sync.Mutex
	records   []Record // last stored state seen, plus any change storage refused
	unsaved   bool     // records holds a change storage has not accepted
	storage   Storage
	transport Transport
	clock     func() time.Time
	logger    *zap.Logger
	flights   singleflight.Group
}

type flushOutcome struct {
	result FlushResult
	err    error
}

type attemptOutcome struct {
	record Record
	ack    Ack
	err    error
}

// New validates the configuration. Call Open before use to load persisted records.
func New(cfg Config) (*Queue, error) {
	if cfg.Storage == nil {
		return nil, ErrMissingStorage
	}
	if cfg.Transport == nil {
		return nil, ErrMissingTransport
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		records:   []Record{},
		storage:   cfg.Storage,
		transport: cfg.Transport,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Open checks that the stored queue is readable. An absent or corrupt blob yields an empty queue.
func (q *Queue) Open(ctx context.Context) error {
	data, err := q.storage.Load(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = q.decode(data)
	q.unsaved = false
	return nil
}

// Enqueue stores the submission for later delivery. A persist failure is returned, but the record
// stays queued in memory and remains eligible for the next flush.
func (q *Queue) Enqueue(ctx context.Context, visitID int64, payload json.RawMessage) error {
	if err := validateSubmission(visitID, payload); err != nil {
		return err
	}
	now := q.clock()

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mutateLocked(ctx, func(records []Record) []Record {
		records, _ = upsert(records, visitID, payload, now)
		return records
	})
}

// SubmitOrEnqueue attempts delivery right away and queues the submission if that fails.
// A queued submission counts the failed attempt and is not retried before its backoff elapses.
func (q *Queue) SubmitOrEnqueue(ctx context.Context, token string, visitID int64, payload json.RawMessage) (SubmitOutcome, error) {
	if err := validateSubmission(visitID, payload); err != nil {
		return SubmitOutcome{}, err
	}

	ack, err := q.attempt(ctx, token, visitID, payload)
	if err == nil {
		return SubmitOutcome{Delivered: true, Ack: ack}, nil
	}

	now := q.clock()
	q.mu.Lock()
	defer q.mu.Unlock()
	attempts := 0
	persistErr := q.mutateLocked(context.WithoutCancel(ctx), func(records []Record) []Record {
		records, index := upsert(records, visitID, payload, now)
		records[index].recordFailure(err, now)
		attempts = records[index].Attempts
		return records
	})
	q.logger.Warn("visit submission queued after failed attempt",
		zap.Int64("visit_id", visitID),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return SubmitOutcome{Queued: true, Err: err}, persistErr
}

// Flush delivers every due record. Concurrent calls share one in-flight flush.
func (q *Queue) Flush(ctx context.Context, token string) (FlushResult, error) {
	value, _, _ := q.flights.Do(flushKey, func() (interface{}, error) {
		result, err := q.flush(ctx, token)
		return flushOutcome{result: result, err: err}, nil
	})
	outcome := value.(flushOutcome)
	return outcome.result, outcome.err
}

func (q *Queue) flush(ctx context.Context, token string) (FlushResult, error) {
	now := q.clock()
	q.mu.Lock()
	current := q.currentLocked(ctx)
	due := make([]Record, 0, len(current))
	for _, record := range current {
		if record.due(now) {
			due = append(due, record)
		}
	}
	q.mu.Unlock()

	outcomes := make([]attemptOutcome, 0, len(due))
	for _, record := range due {
		if ctx.Err() != nil {
			break
		}
		ack, err := q.attempt(ctx, token, record.VisitID, record.Payload)
		outcomes = append(outcomes, attemptOutcome{record: record, ack: ack, err: err})
	}
	if len(outcomes) == 0 {
		return FlushResult{Remaining: len(current)}, nil
	}

	failedAt := q.clock()
	q.mu.Lock()
	defer q.mu.Unlock()
	// Attempt results are recorded even when the caller has given up waiting.
	err := q.mutateLocked(context.WithoutCancel(ctx), func(records []Record) []Record {
		for _, outcome := range outcomes {
			index := indexOf(records, outcome.record.IdempotencyKey)
			if index < 0 {
				continue
			}
			if outcome.err == nil {
				if records[index].Revision == outcome.record.Revision {
					records = append(records[:index], records[index+1:]...)
				}
				continue
			}
			records[index].recordFailure(outcome.err, failedAt)
		}
		return records
	})

	sent := 0
	for _, outcome := range outcomes {
		if outcome.err == nil {
			sent++
			q.logger.Debug("visit submission delivered",
				zap.Int64("visit_id", outcome.record.VisitID),
				zap.Bool("idempotent", outcome.ack.Idempotent))
			continue
		}
		fields := []zap.Field{zap.Int64("visit_id", outcome.record.VisitID), zap.Error(outcome.err)}
		if index := indexOf(q.records, outcome.record.IdempotencyKey); index >= 0 {
			fields = append(fields,
				zap.Int("attempts", q.records[index].Attempts),
				zap.Timep("next_try_at", q.records[index].NextTryAt))
		}
		q.logger.Warn("visit submission failed", fields...)
	}

	return FlushResult{Sent: sent, Remaining: len(q.records)}, err
}

// Stats summarizes the stored queue.
func (q *Queue) Stats(ctx context.Context) Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	records := q.currentLocked(ctx)
	stats := Stats{Pending: len(records)}
	for _, record := range records {
		if record.Attempts > stats.MaxAttempts {
			stats.MaxAttempts = record.Attempts
		}
		if record.NextTryAt != nil && (stats.OldestNextTryAt == nil || record.NextTryAt.Before(*stats.OldestNextTryAt)) {
			next := *record.NextTryAt
			stats.OldestNextTryAt = &next
		}
	}
	return stats
}

// Records returns a copy of the stored records in enqueue order.
func (q *Queue) Records(ctx context.Context) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneRecords(q.currentLocked(ctx))
}

// Clear drops every queued record. It is the only way retries stop.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mutateLocked(ctx, func([]Record) []Record {
		return []Record{}
	})
}

func (q *Queue) attempt(ctx context.Context, token string, visitID int64, payload json.RawMessage) (Ack, error) {
	ack, err := q.transport.Submit(ctx, token, visitID, payload)
	if err != nil {
		return ack, err
	}
	if !ack.OK {
		return ack, ErrNotAcknowledged
	}
	return ack, nil
}

// currentLocked re-reads the stored queue. When storage cannot be read the last known records
// are used instead.
func (q *Queue) currentLocked(ctx context.Context) []Record {
	data, err := q.storage.Load(ctx)
	if err != nil {
		q.logger.Warn("submission queue unreadable, using last known state", zap.Error(err), zap.Int("pending", len(q.records)))
		return cloneRecords(q.records)
	}
	q.records = q.reconcileLocked(q.decode(data))
	return cloneRecords(q.records)
}

// mutateLocked applies change to the freshly stored queue and writes the result back in one
// Storage.Update. If storage refuses, the change is kept in memory and folded into the next
// successful write.
func (q *Queue) mutateLocked(ctx context.Context, change func([]Record) []Record) error {
	var (
		next    []Record
		applied bool
	)
	err := q.storage.Update(ctx, func(current []byte) ([]byte, error) {
		next = change(q.reconcileLocked(q.decode(current)))
		applied = true
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode queue: %w", err)
		}
		return data, nil
	})
	if err == nil {
		q.records = next
		q.unsaved = false
		return nil
	}

	if !applied {
		next = change(cloneRecords(q.records))
	}
	q.records = next
	q.unsaved = true
	q.logger.Warn("submission queue not persisted", zap.Error(err), zap.Int("pending", len(next)))
	return fmt.Errorf("persist queue: %w", err)
}

// reconcileLocked folds records that never reached storage into a freshly loaded queue. A stored
// record with a newer revision, written by another process, wins over the local copy.
func (q *Queue) reconcileLocked(stored []Record) []Record {
	if !q.unsaved {
		return stored
	}
	for _, local := range q.records {
		index := indexOf(stored, local.IdempotencyKey)
		switch {
		case index < 0:
			stored = append(stored, local)
		case local.Revision >= stored[index].Revision:
			stored[index] = local
		}
	}
	return stored
}

func (q *Queue) decode(data []byte) []Record {
	records := []Record{}
	if len(data) == 0 {
		return records
	}
	var stored []Record
	if err := json.Unmarshal(data, &stored); err != nil {
		q.logger.Warn("discarding corrupt submission queue", zap.Error(err), zap.Int("bytes", len(data)))
		return records
	}
	for _, record := range stored {
		if !record.valid() {
			q.logger.Warn("discarding malformed queued submission", zap.Int64("visit_id", record.VisitID))
			continue
		}
		records = append(records, record)
	}
	return records
}

// upsert merges the submission into the record with the same key, or appends a new one.
// It returns the records and the index of the affected record.
func upsert(records []Record, visitID int64, payload json.RawMessage, now time.Time) ([]Record, int) {
	incoming := Record{
		VisitID:        visitID,
		Payload:        append(json.RawMessage(nil), payload...),
		EnqueuedAt:     now,
		IdempotencyKey: idempotency.KeyAt(visitID, now),
	}
	if index := indexOf(records, incoming.IdempotencyKey); index >= 0 {
		records[index] = Merge(records[index], incoming)
		return records, index
	}
	return append(records, incoming), len(records)
}

func validateSubmission(visitID int64, payload json.RawMessage) error {
	if visitID <= 0 {
		return ErrInvalidVisitID
	}
	if !json.Valid(payload) {
		return ErrInvalidPayload
	}
	return nil
}
