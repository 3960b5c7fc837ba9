// Package visits records visit submissions and serves technicians' daily routes.
package visits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldroute/internal/idempotency"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/routes"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/visitstate"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew  = "visits.service.new"
	opOpenVisit   = "visits.open"
	opSubmit      = "visits.submit"
	opTodayRoutes = "visits.today_routes"
	opOdometer    = "visits.odometer"

	fieldUserID  = "user_id"
	fieldVisitID = "visit_id"
	fieldDay     = "day"

	queryUserKey = "user_id = ? AND idempotency_key = ?"

	payloadFieldOdometer = "odometer"

	reasonMissingDatabase       = "missing_database"
	reasonMissingStateStore     = "missing_state_store"
	reasonMissingIDProvider     = "missing_id_provider"
	reasonInvalidInput          = "invalid_input"
	reasonIDGenerationFailed    = "id_generation_failed"
	reasonSubmissionInsertFail  = "submission_insert_failed"
	reasonSubmissionLookupFail  = "submission_lookup_failed"
	reasonStateWriteFailed      = "state_write_failed"
	reasonRouteLookupFailed     = "route_lookup_failed"
	reasonMissingRouteDirectory = "missing_route_directory"
	reasonInsertFailed          = "insert_failed"
)

var (
	errMissingDatabase       = errors.New("database handle is required")
	errMissingStateStore     = errors.New("visit state store is required")
	errMissingIDProvider     = errors.New("id provider is required")
	errMissingRouteDirectory = errors.New("route directory is required")
	noOpLogger               = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StateStore is the per-day visit state the service reads and writes.
type StateStore interface {
	MarkInProgress(ctx context.Context, visitID, userID int64)
	MarkCompleted(ctx context.Context, visitID, userID int64) error
	IsCompletedToday(ctx context.Context, visitID, userID int64) bool
	RouteFlags(ctx context.Context, userID int64, visitIDs []int64) map[int64]visitstate.Flags
}

// RouteDirectory lists a technician's scheduled stops.
type RouteDirectory interface {
	TodayRoutes(ctx context.Context, userID int64, day string) ([]routes.RouteVisit, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	States     StateStore
	Routes     RouteDirectory
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	states     StateStore
	routes     RouteDirectory
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.States == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStateStore, errMissingStateStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		states:     cfg.States,
		routes:     cfg.Routes,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// OpenVisit marks the visit as in progress for today. State write failures are absorbed by the store.
func (s *Service) OpenVisit(ctx context.Context, userID, visitID int64) error {
	if err := validateIDs(userID, visitID); err != nil {
		return newServiceError(opOpenVisit, reasonInvalidInput, err)
	}
	s.states.MarkInProgress(ctx, visitID, userID)
	return nil
}

// Submit records a visit result at most once per technician, visit and server day.
// Repeats are acknowledged as idempotent and never create a second submission.
func (s *Service) Submit(ctx context.Context, request SubmitRequest) (SubmitResult, error) {
	if err := validateIDs(request.UserID, request.VisitID); err != nil {
		return SubmitResult{}, newServiceError(opSubmit, reasonInvalidInput, err)
	}
	if !json.Valid(request.Payload) {
		return SubmitResult{}, newServiceError(opSubmit, reasonInvalidInput, ErrInvalidPayload)
	}

	now := s.clock()
	day := idempotency.Day(now)
	key := idempotency.Key(request.VisitID, day)
	outcome := SubmitOutcome{VisitID: request.VisitID, Day: day, Status: visitstate.StatusCompleted}
	logFields := []zap.Field{
		zap.Int64(fieldUserID, request.UserID),
		zap.Int64(fieldVisitID, request.VisitID),
		zap.String(fieldDay, day),
	}

	if s.states.IsCompletedToday(ctx, request.VisitID, request.UserID) {
		return SubmitResult{
			ID:         s.existingSubmissionID(ctx, request.UserID, key, logFields),
			Idempotent: true,
			Result:     outcome,
		}, nil
	}

	submissionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmit, reasonIDGenerationFailed, err, logFields...)
		return SubmitResult{}, newServiceError(opSubmit, reasonIDGenerationFailed, err)
	}
	submission := VisitSubmission{
		ID:                 submissionID,
		VisitID:            request.VisitID,
		UserID:             request.UserID,
		Day:                day,
		IdempotencyKey:     key,
		PayloadJSON:        string(request.Payload),
		SubmittedAtSeconds: now.UTC().Unix(),
	}
	createResult := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&submission)
	if createResult.Error != nil {
		s.logError(opSubmit, reasonSubmissionInsertFail, createResult.Error, logFields...)
		return SubmitResult{}, newServiceError(opSubmit, reasonSubmissionInsertFail, createResult.Error)
	}
	duplicate := createResult.RowsAffected == 0
	if duplicate {
		submissionID = s.existingSubmissionID(ctx, request.UserID, key, logFields)
	}

	if err := s.states.MarkCompleted(ctx, request.VisitID, request.UserID); err != nil {
		s.logError(opSubmit, reasonStateWriteFailed, err, logFields...)
		return SubmitResult{}, newServiceError(opSubmit, reasonStateWriteFailed, err)
	}

	s.recordOdometer(ctx, request, day, now)

	return SubmitResult{ID: submissionID, Idempotent: duplicate, Result: outcome}, nil
}

// TodayRoutes returns the technician's stops for the current server day with their state flags.
func (s *Service) TodayRoutes(ctx context.Context, userID int64) (TodayRoutes, error) {
	if userID <= 0 {
		return TodayRoutes{}, newServiceError(opTodayRoutes, reasonInvalidInput, ErrInvalidUserID)
	}
	if s.routes == nil {
		s.logError(opTodayRoutes, reasonMissingRouteDirectory, errMissingRouteDirectory)
		return TodayRoutes{}, newServiceError(opTodayRoutes, reasonMissingRouteDirectory, errMissingRouteDirectory)
	}

	day := idempotency.Day(s.clock())
	scheduled, err := s.routes.TodayRoutes(ctx, userID, day)
	if err != nil {
		s.logError(opTodayRoutes, reasonRouteLookupFailed, err, zap.Int64(fieldUserID, userID), zap.String(fieldDay, day))
		return TodayRoutes{}, newServiceError(opTodayRoutes, reasonRouteLookupFailed, err)
	}

	visitIDs := make([]int64, 0, len(scheduled))
	for _, visit := range scheduled {
		visitIDs = append(visitIDs, visit.VisitID)
	}
	flags := s.states.RouteFlags(ctx, userID, visitIDs)

	stops := make([]RouteStop, 0, len(scheduled))
	for _, visit := range scheduled {
		stops = append(stops, newRouteStop(visit, flags[visit.VisitID]))
	}
	return TodayRoutes{Day: day, Routes: stops}, nil
}

func (s *Service) existingSubmissionID(ctx context.Context, userID int64, key string, fields []zap.Field) string {
	var existing VisitSubmission
	err := s.db.WithContext(ctx).Where(queryUserKey, userID, key).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ""
	}
	if err != nil {
		s.logError(opSubmit, reasonSubmissionLookupFail, err, fields...)
		return ""
	}
	return existing.ID
}

func (s *Service) recordOdometer(ctx context.Context, request SubmitRequest, day string, now time.Time) {
	reading, ok := odometerReading(request.Payload)
	if !ok {
		return
	}
	record := DailyOdometer{
		UserID:            request.UserID,
		Day:               day,
		Reading:           reading,
		VisitID:           request.VisitID,
		RecordedAtSeconds: now.UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		s.logError(opOdometer, reasonInsertFailed, err,
			zap.Int64(fieldUserID, request.UserID),
			zap.Int64(fieldVisitID, request.VisitID),
			zap.String(fieldDay, day))
	}
}

func odometerReading(payload []byte) (float64, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return 0, false
	}
	raw, ok := fields[payloadFieldOdometer]
	if !ok {
		return 0, false
	}
	var reading *float64
	if err := json.Unmarshal(raw, &reading); err != nil || reading == nil {
		return 0, false
	}
	return *reading, true
}

func validateIDs(userID, visitID int64) error {
	if userID <= 0 {
		return ErrInvalidUserID
	}
	if visitID <= 0 {
		return ErrInvalidVisitID
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("visits service error", attrs...)
}
