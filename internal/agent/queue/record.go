package queue

import (
	"encoding/json"
	"time"
)

// Record is one pending visit submission. At most one record exists per idempotency key.
type Record struct {
	VisitID        int64           `json:"visit_id"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	IdempotencyKey string          `json:"idempotency_key"`
	Attempts       int             `json:"attempts"`
	NextTryAt      *time.Time      `json:"next_try_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	// Revision increases each time a newer payload is merged into the record. A delivery only
	// removes the record when the revision it sent is still the stored one.
	Revision uint64 `json:"revision,omitempty"`
}

type recordFields Record

// MarshalJSON stores the payload as text so its bytes survive the round trip unchanged.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		recordFields
		Payload     json.RawMessage `json:"payload,omitempty"`
		PayloadText string          `json:"payload_text"`
	}{
		recordFields: recordFields(r),
		PayloadText:  string(r.Payload),
	})
}

// UnmarshalJSON reads payload_text, falling back to an inline payload value.
func (r *Record) UnmarshalJSON(data []byte) error {
	var stored struct {
		recordFields
		PayloadText *string `json:"payload_text"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	*r = Record(stored.recordFields)
	if stored.PayloadText != nil {
		r.Payload = json.RawMessage(*stored.PayloadText)
	}
	return nil
}

// Merge folds a re-enqueued submission into the record already queued under the same key.
// The payload is replaced, the last error cleared and the revision bumped; attempts, next try
// and enqueue time are kept.
func Merge(existing, incoming Record) Record {
	merged := existing
	merged.Payload = incoming.Payload
	merged.LastError = ""
	merged.Revision = existing.Revision + 1
	return merged
}

func (r Record) due(now time.Time) bool {
	return r.NextTryAt == nil || !now.Before(*r.NextTryAt)
}

func (r Record) valid() bool {
	return r.IdempotencyKey != "" && r.VisitID > 0 && json.Valid(r.Payload)
}

func (r *Record) recordFailure(err error, failedAt time.Time) {
	delay := Backoff(r.Attempts)
	r.Attempts++
	next := failedAt.Add(delay)
	r.NextTryAt = &next
	r.LastError = err.Error()
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	return out
}

func indexOf(records []Record, key string) int {
	for index, record := range records {
		if record.IdempotencyKey == key {
			return index
		}
	}
	return -1
}
