package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TokenSource supplies the bearer token used for a flush.
type TokenSource func(ctx context.Context) (string, error)

// Flusher runs queue flushes from a single goroutine, so flushes never overlap.
// Reconnect, foreground and app-open events call Trigger.
type Flusher struct {
	queue   *Queue
	trigger chan struct{}
	logger  *zap.Logger
}

// NewFlusher builds a Flusher for queue.
func NewFlusher(queue *Queue, logger *zap.Logger) *Flusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{
		queue:   queue,
		trigger: make(chan struct{}, 1),
		logger:  logger,
	}
}

// Trigger requests a flush without blocking. Triggers arriving while one is pending are coalesced.
func (f *Flusher) Trigger() {
	select {
	case f.trigger <- struct{}{}:
	default:
	}
}

// Run flushes once immediately, then on every trigger and every interval tick until ctx is done.
// A non-positive interval disables the ticker.
func (f *Flusher) Run(ctx context.Context, interval time.Duration, tokens TokenSource) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	f.flushOnce(ctx, tokens)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.trigger:
		case <-tick:
		}
		f.flushOnce(ctx, tokens)
	}
}

func (f *Flusher) flushOnce(ctx context.Context, tokens TokenSource) {
	if ctx.Err() != nil {
		return
	}
	token, err := tokens(ctx)
	if err != nil {
		f.logger.Warn("flush skipped: no auth token", zap.Error(err))
		return
	}
	result, err := f.queue.Flush(ctx, token)
	if err != nil {
		f.logger.Warn("flush finished with errors", zap.Error(err), zap.Int("sent", result.Sent), zap.Int("remaining", result.Remaining))
		return
	}
	if result.Sent > 0 || result.Remaining > 0 {
		stats := f.queue.Stats(ctx)
		f.logger.Info("flush finished",
			zap.Int("sent", result.Sent),
			zap.Int("remaining", result.Remaining),
			zap.Bool("retrying", stats.Retrying()))
	}
}
