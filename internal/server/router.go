package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldroute/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/visits"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/visitstate"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "fieldroute_user_id"
	visitIDParam        = "id"
	maxSubmissionBytes  = 1 << 20
	codeInvalidInputTag = ".invalid_input"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingVisitService   = errors.New("visit service dependency required")
	errMissingStateReporter  = errors.New("visit state reporter dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (int64, error)
}

type VisitService interface {
	OpenVisit(ctx context.Context, userID, visitID int64) error
	Submit(ctx context.Context, request visits.SubmitRequest) (visits.SubmitResult, error)
	TodayRoutes(ctx context.Context, userID int64) (visits.TodayRoutes, error)
}

type StateReporter interface {
	Snapshot() visitstate.ModeSnapshot
}

type Dependencies struct {
	Tokens TokenValidator
	Visits VisitService
	States StateReporter
	Logger *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Visits == nil {
		return nil, errMissingVisitService
	}
	if deps.States == nil {
		return nil, errMissingStateReporter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens: deps.Tokens,
		visits: deps.Visits,
		states: deps.States,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/visits/:id/in-progress", handler.handleOpenVisit)
	protected.POST("/visits/:id/submit", handler.handleSubmit)
	protected.GET("/routes/today", handler.handleTodayRoutes)
	protected.GET("/admin/read-mode", handler.handleReadMode)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens TokenValidator
	visits VisitService
	states StateReporter
	logger *zap.Logger
}

type submitResponsePayload struct {
	OK         bool                 `json:"ok"`
	ID         string               `json:"id"`
	Idempotent bool                 `json:"idempotent"`
	Result     visits.SubmitOutcome `json:"result"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleOpenVisit is fire-and-forget: the client never retries it, so it always answers ok.
func (h *httpHandler) handleOpenVisit(c *gin.Context) {
	userID := c.GetInt64(userIDContextKey)
	visitID, err := strconv.ParseInt(c.Param(visitIDParam), 10, 64)
	if err != nil || visitID <= 0 || userID <= 0 {
		h.logger.Debug("in-progress ignored", zap.String("visit_id", c.Param(visitIDParam)), zap.Int64("user_id", userID))
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	if err := h.visits.OpenVisit(c.Request.Context(), userID, visitID); err != nil {
		h.logger.Warn("in-progress not recorded", zap.Error(err), zap.Int64("visit_id", visitID), zap.Int64("user_id", userID))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	userID, visitID, ok := h.requestIDs(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSubmissionBytes)
	payload, err := c.GetRawData()
	if err != nil || !json.Valid(payload) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_payload"})
		return
	}

	result, err := h.visits.Submit(c.Request.Context(), visits.SubmitRequest{
		UserID:  userID,
		VisitID: visitID,
		Payload: payload,
	})
	if err != nil {
		code := serviceErrorCode(err)
		if strings.HasSuffix(code, codeInvalidInputTag) {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request", "code": code})
			return
		}
		h.logger.Error("visit submission failed", zap.Error(err), zap.Int64("visit_id", visitID), zap.Int64("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "submit_failed", "code": code})
		return
	}

	c.JSON(http.StatusOK, submitResponsePayload{
		OK:         true,
		ID:         result.ID,
		Idempotent: result.Idempotent,
		Result:     result.Result,
	})
}

func (h *httpHandler) handleTodayRoutes(c *gin.Context) {
	userID := c.GetInt64(userIDContextKey)
	if userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	today, err := h.visits.TodayRoutes(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load today's routes", zap.Error(err), zap.Int64("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "routes_unavailable", "code": serviceErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, today)
}

func (h *httpHandler) handleReadMode(c *gin.Context) {
	c.JSON(http.StatusOK, h.states.Snapshot())
}

func (h *httpHandler) requestIDs(c *gin.Context) (int64, int64, bool) {
	userID := c.GetInt64(userIDContextKey)
	if userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, 0, false
	}
	visitID, err := strconv.ParseInt(c.Param(visitIDParam), 10, 64)
	if err != nil || visitID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_visit_id"})
		return 0, 0, false
	}
	return userID, visitID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func serviceErrorCode(err error) string {
	var serviceErr *visits.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
