package visitstate

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/fieldroute/internal/idempotency"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opMarkInProgress = "visitstate.mark_in_progress"
	opMarkCompleted  = "visitstate.mark_completed"
	opRead           = "visitstate.read"
	opShadowCompare  = "visitstate.shadow_compare"
	opResetDay       = "visitstate.reset_day"
)

var noOpLogger = zap.NewNop()

// StoreConfig wires the store. A nil Durable handle means no durable backend is configured.
type StoreConfig struct {
	Durable  *gorm.DB
	ReadMode ReadMode
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store records per-day visit state in memory and, when configured, in the visit_states table.
type Store struct {
	memory  *memoryBackend
	durable backend
	modes   *ModeController
	clock   func() time.Time
	logger  *zap.Logger
}

// NewStore constructs the store and selects the initial read mode.
func NewStore(cfg StoreConfig) *Store {
	var durable backend
	if cfg.Durable != nil {
		durable = newTableBackend(cfg.Durable)
	}
	return newStore(durable, cfg.ReadMode, cfg.Clock, cfg.Logger)
}

func newStore(durable backend, override ReadMode, clock func() time.Time, logger *zap.Logger) *Store {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = noOpLogger
	}
	if durable == nil && override != "" && override != ReadModeMemory {
		logger.Warn("read mode override ignored without durable backend", zap.String("override", string(override)))
	}
	store := &Store{
		memory:  newMemoryBackend(),
		durable: durable,
		modes:   NewModeController(durable != nil, override),
		clock:   clock,
		logger:  logger,
	}
	logger.Info("visit state store ready",
		zap.String("read_mode", string(store.modes.Mode())),
		zap.Bool("durable", durable != nil))
	return store
}

// MarkInProgress records that the technician opened the visit today. It never downgrades a completed
// visit, and durable failures are logged rather than returned.
func (s *Store) MarkInProgress(ctx context.Context, visitID, userID int64) {
	key := s.todayKey(visitID, userID)
	at := s.clock()
	if s.durable != nil {
		if err := s.durable.markInProgress(ctx, key, at); err != nil {
			s.logError(opMarkInProgress, "durable_write_failed", err, keyFields(key)...)
			return
		}
	}
	_ = s.memory.markInProgress(ctx, key, at)
}

// MarkCompleted records today's completion. The durable write happens first; memory is updated only
// after it succeeds so the shadow never claims a completion the table lacks.
func (s *Store) MarkCompleted(ctx context.Context, visitID, userID int64) error {
	key := s.todayKey(visitID, userID)
	at := s.clock()
	if s.durable != nil {
		if err := s.durable.markCompleted(ctx, key, at); err != nil {
			s.logError(opMarkCompleted, "durable_write_failed", err, keyFields(key)...)
			return err
		}
	}
	return s.memory.markCompleted(ctx, key, at)
}

// IsCompletedToday reports whether the visit was completed today. Backend errors read as false.
func (s *Store) IsCompletedToday(ctx context.Context, visitID, userID int64) bool {
	return s.GetFlags(ctx, visitID, userID).CompletedToday
}

// GetFlags returns today's flags for one visit. Backend errors read as zero flags.
func (s *Store) GetFlags(ctx context.Context, visitID, userID int64) Flags {
	key := s.todayKey(visitID, userID)
	entry, found, err := s.readBackend().get(ctx, key)
	if err != nil {
		s.logWarn(opRead, "read_failed", err, keyFields(key)...)
		return Flags{}
	}
	return flagsOf(entry, found)
}

// RouteFlags returns today's flags for each requested visit. In shadow mode the first non-empty call
// of a day also compares both backends and promotes reads to the table when they agree. A failed
// durable read counts as a failed comparison for that day.
func (s *Store) RouteFlags(ctx context.Context, userID int64, visitIDs []int64) map[int64]Flags {
	day := s.today()
	if s.durable != nil && len(visitIDs) > 0 && s.modes.BeginComparison(day) {
		return s.compareAndServe(ctx, day, userID, visitIDs)
	}
	entries, err := s.readBackend().list(ctx, day, userID, visitIDs)
	if err != nil {
		s.logWarn(opRead, "list_failed", err, zap.String("day", day), zap.Int64("user_id", userID))
		entries = nil
	}
	return toFlags(visitIDs, entries)
}

func (s *Store) compareAndServe(ctx context.Context, day string, userID int64, visitIDs []int64) map[int64]Flags {
	memoryEntries, _ := s.memory.list(ctx, day, userID, visitIDs)
	memoryView := toFlags(visitIDs, memoryEntries)

	durableEntries, err := s.durable.list(ctx, day, userID, visitIDs)
	if err != nil {
		s.logWarn(opShadowCompare, "durable_read_failed", err, zap.String("day", day), zap.Int64("user_id", userID))
		return memoryView
	}
	durableView := toFlags(visitIDs, durableEntries)

	mismatched := make([]int64, 0)
	for _, visitID := range visitIDs {
		if memoryView[visitID] != durableView[visitID] {
			mismatched = append(mismatched, visitID)
		}
	}
	if len(mismatched) > 0 {
		s.logger.Warn("visit state shadow mismatch",
			zap.String("day", day),
			zap.Int64("user_id", userID),
			zap.Int64s("visit_ids", mismatched),
			zap.Any("memory", pick(memoryView, mismatched)),
			zap.Any("durable", pick(durableView, mismatched)))
	}
	if s.modes.Resolve(day, len(mismatched)) {
		s.logger.Info("visit state reads promoted to durable backend",
			zap.String("day", day),
			zap.Int("compared", len(visitIDs)))
	}
	return memoryView
}

// ResetDay deletes every entry for day from both backends.
func (s *Store) ResetDay(ctx context.Context, day string) error {
	if s.durable != nil {
		if err := s.durable.resetDay(ctx, day); err != nil {
			s.logError(opResetDay, "durable_delete_failed", err, zap.String("day", day))
			return err
		}
	}
	return s.memory.resetDay(ctx, day)
}

// Mode reports the current read mode.
func (s *Store) Mode() ReadMode {
	return s.modes.Mode()
}

// Snapshot reports the read mode and the days already compared.
func (s *Store) Snapshot() ModeSnapshot {
	return s.modes.Snapshot()
}

func (s *Store) readBackend() backend {
	if s.durable != nil && s.modes.Mode() == ReadModeDB {
		return s.durable
	}
	return s.memory
}

func (s *Store) today() string {
	return idempotency.Day(s.clock())
}

func (s *Store) todayKey(visitID, userID int64) entryKey {
	return entryKey{visitID: visitID, day: s.today(), userID: userID}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	s.logger.Error("visit state error", operationFields(operation, reason, err, fields)...)
}

func (s *Store) logWarn(operation, reason string, err error, fields ...zap.Field) {
	s.logger.Warn("visit state degraded", operationFields(operation, reason, err, fields)...)
}

func operationFields(operation, reason string, err error, fields []zap.Field) []zap.Field {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	return append(attrs, fields...)
}

func keyFields(key entryKey) []zap.Field {
	return []zap.Field{
		zap.Int64("visit_id", key.visitID),
		zap.String("day", key.day),
		zap.Int64("user_id", key.userID),
	}
}

func toFlags(visitIDs []int64, entries map[int64]Entry) map[int64]Flags {
	out := make(map[int64]Flags, len(visitIDs))
	for _, visitID := range visitIDs {
		entry, found := entries[visitID]
		out[visitID] = flagsOf(entry, found)
	}
	return out
}

func pick(view map[int64]Flags, visitIDs []int64) map[int64]Flags {
	out := make(map[int64]Flags, len(visitIDs))
	for _, visitID := range visitIDs {
		out[visitID] = view[visitID]
	}
	return out
}
