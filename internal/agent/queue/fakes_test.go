package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var errOffline = errors.New("dial tcp: network is unreachable")

type memoryStorage struct {
	mu      sync.Mutex
	data    []byte
	saveErr error
	saves   int
}

func (s *memoryStorage) Load(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...), nil
}

func (s *memoryStorage) Update(ctx context.Context, change func([]byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	next, err := change(append([]byte(nil), s.data...))
	if err != nil {
		return err
	}
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.data = append([]byte(nil), next...)
	return nil
}

func (s *memoryStorage) stored() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

func (s *memoryStorage) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

type submission struct {
	visitID int64
	token   string
	payload string
}

type fakeTransport struct {
	mu      sync.Mutex
	calls   []submission
	respond func(visitID int64) (Ack, error)
	before  func(visitID int64)
}

func (f *fakeTransport) Submit(_ context.Context, token string, visitID int64, payload json.RawMessage) (Ack, error) {
	f.mu.Lock()
	f.calls = append(f.calls, submission{visitID: visitID, token: token, payload: string(payload)})
	respond := f.respond
	before := f.before
	f.mu.Unlock()

	if before != nil {
		before(visitID)
	}
	if respond == nil {
		return Ack{OK: true}, nil
	}
	return respond(visitID)
}

func (f *fakeTransport) setRespond(respond func(visitID int64) (Ack, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = respond
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func alwaysFail(int64) (Ack, error) {
	return Ack{}, errOffline
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, time.October, 18, 8, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}
