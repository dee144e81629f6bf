package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/outbox"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/storage"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/syncengine"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "gravity_sync_subject"

	eventHeartbeat    = "heartbeat"
	heartbeatInterval = 25 * time.Second
	stopTimeout       = 10 * time.Second
)

var (
	errMissingEngine        = errors.New("sync engine dependency required")
	errMissingOutbox        = errors.New("outbox dependency required")
	errMissingStore         = errors.New("store dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SyncEngine is the engine surface exposed over HTTP.
type SyncEngine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Hydrate(ctx context.Context) error
	RetryPendingMutations() error
	Status(ctx context.Context) (syncengine.Status, error)
}

// Outbox lists and discards pending change records.
type Outbox interface {
	Pending(ctx context.Context) ([]model.ChangeRecord, error)
	Discard(ctx context.Context, id model.ChangeID) (model.ChangeRecord, error)
}

// LocalStore is the user-initiated write path into the device store.
type LocalStore interface {
	Save(ctx context.Context, item model.Model, initiator model.Initiator) (model.ChangeRecord, error)
	Delete(ctx context.Context, name model.ModelName, id model.ItemID, initiator model.Initiator) (model.ChangeRecord, error)
	Query(ctx context.Context, name model.ModelName, predicate storage.Predicate) ([]model.Model, error)
}

// TokenValidator validates admin bearer tokens and returns their subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Engine SyncEngine
	Outbox Outbox
	Store  LocalStore
	Events *EventDispatcher
	Tokens TokenValidator
	Models []model.ModelName
	Logger *zap.Logger
}

// NewHTTPHandler builds the admin API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Outbox == nil {
		return nil, errMissingOutbox
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}
	models := make(map[model.ModelName]struct{}, len(deps.Models))
	for _, name := range deps.Models {
		models[name] = struct{}{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		engine: deps.Engine,
		outbox: deps.Outbox,
		store:  deps.Store,
		events: events,
		tokens: deps.Tokens,
		models: models,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sync/status", handler.handleStatus)
	protected.POST("/sync/start", handler.handleStart)
	protected.POST("/sync/stop", handler.handleStop)
	protected.POST("/sync/hydrate", handler.handleHydrate)
	protected.POST("/sync/retry", handler.handleRetry)
	protected.GET("/sync/outbox", handler.handleListOutbox)
	protected.DELETE("/sync/outbox/:change_id", handler.handleDiscardChange)
	protected.GET("/sync/events", handler.handleEvents)
	protected.POST("/models/:model", handler.handleSaveModel)
	protected.GET("/models/:model", handler.handleListModels)
	protected.DELETE("/models/:model/:id", handler.handleDeleteModel)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	engine SyncEngine
	outbox Outbox
	store  LocalStore
	events *EventDispatcher
	tokens TokenValidator
	models map[model.ModelName]struct{}
	logger *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.engine.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, "status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleStart(c *gin.Context) {
	if err := h.engine.Start(c.Request.Context()); err != nil {
		h.respondError(c, "start", err)
		return
	}
	h.logger.Info("sync start requested", zap.String("subject", c.GetString(subjectContextKey)))
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleStop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), stopTimeout)
	defer cancel()
	if err := h.engine.Stop(ctx); err != nil {
		h.respondError(c, "stop", err)
		return
	}
	h.logger.Info("sync stop requested", zap.String("subject", c.GetString(subjectContextKey)))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleHydrate(c *gin.Context) {
	if err := h.engine.Hydrate(c.Request.Context()); err != nil {
		h.respondError(c, "hydrate", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRetry(c *gin.Context) {
	if err := h.engine.RetryPendingMutations(); err != nil {
		h.respondError(c, "retry", err)
		return
	}
	c.Status(http.StatusAccepted)
}

type changeRecordPayload struct {
	ChangeID    string          `json:"change_id"`
	Model       string          `json:"model"`
	ItemID      string          `json:"item_id"`
	ChangeType  string          `json:"change_type"`
	Initiator   string          `json:"initiator"`
	BaseVersion int64           `json:"base_version"`
	CreatedAt   int64           `json:"created_at_ms"`
	Payload     json.RawMessage `json:"payload"`
}

func toChangeRecordPayload(record model.ChangeRecord) changeRecordPayload {
	return changeRecordPayload{
		ChangeID:    record.ID.String(),
		Model:       record.ModelName.String(),
		ItemID:      record.ItemID.String(),
		ChangeType:  string(record.ChangeType),
		Initiator:   string(record.Initiator),
		BaseVersion: record.BaseVersion,
		CreatedAt:   record.CreatedAt.UnixMilli(),
		Payload:     record.Payload,
	}
}

func (h *httpHandler) handleListOutbox(c *gin.Context) {
	pending, err := h.outbox.Pending(c.Request.Context())
	if err != nil {
		h.respondError(c, "outbox", err)
		return
	}
	records := make([]changeRecordPayload, 0, len(pending))
	for _, record := range pending {
		records = append(records, toChangeRecordPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *httpHandler) handleDiscardChange(c *gin.Context) {
	id, err := model.ParseChangeID(c.Param("change_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_change_id"})
		return
	}
	record, err := h.outbox.Discard(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "discard", err)
		return
	}
	h.logger.Info("change record discarded",
		zap.String("change_id", record.ID.String()),
		zap.String("model", record.ModelName.String()),
		zap.String("item_id", record.ItemID.String()),
	)
	c.JSON(http.StatusOK, toChangeRecordPayload(record))
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	var filter []model.ModelName
	for _, raw := range c.QueryArray("model") {
		name, err := h.resolveModel(raw)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_model"})
			return
		}
		filter = append(filter, name)
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, filter...)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-stream:
			c.SSEvent(string(event.Type), event)
		case now := <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": now.UTC()})
		}
		c.Writer.Flush()
	}
}

type saveModelRequest struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func (h *httpHandler) handleSaveModel(c *gin.Context) {
	name, err := h.resolveModel(c.Param("model"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_model"})
		return
	}
	var request saveModelRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	id := strings.TrimSpace(request.ID)
	if id == "" {
		id = uuid.NewString()
	}
	item, err := model.NewModel(name.String(), id, request.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_model"})
		return
	}
	record, err := h.store.Save(c.Request.Context(), item, model.InitiatorUser)
	if err != nil {
		h.respondError(c, "save", err)
		return
	}
	c.JSON(http.StatusOK, toChangeRecordPayload(record))
}

type modelPayload struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Payload json.RawMessage `json:"payload"`
}

func (h *httpHandler) handleListModels(c *gin.Context) {
	name, err := h.resolveModel(c.Param("model"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_model"})
		return
	}
	items, err := h.store.Query(c.Request.Context(), name, nil)
	if err != nil {
		h.respondError(c, "query", err)
		return
	}
	response := make([]modelPayload, 0, len(items))
	for _, item := range items {
		response = append(response, modelPayload{ID: item.ID.String(), Model: item.Name.String(), Payload: item.Payload})
	}
	c.JSON(http.StatusOK, gin.H{"items": response})
}

func (h *httpHandler) handleDeleteModel(c *gin.Context) {
	name, err := h.resolveModel(c.Param("model"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_model"})
		return
	}
	id, err := model.NewItemID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return
	}
	record, err := h.store.Delete(c.Request.Context(), name, id, model.InitiatorUser)
	if err != nil {
		h.respondError(c, "delete", err)
		return
	}
	c.JSON(http.StatusOK, toChangeRecordPayload(record))
}

func (h *httpHandler) resolveModel(raw string) (model.ModelName, error) {
	name, err := model.NewModelName(raw)
	if err != nil {
		return "", err
	}
	if _, ok := h.models[name]; !ok {
		return "", model.ErrInvalidModelName
	}
	return name, nil
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin request failed",
			zap.String("operation", operation),
			zap.String("reason", code),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, syncengine.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, syncengine.ErrNotRunning):
		return http.StatusConflict, "not_running"
	case errors.Is(err, outbox.ErrChangeNotFound), errors.Is(err, storage.ErrItemNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrConfiguration):
		return http.StatusBadRequest, model.ErrorCode(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, model.ErrTransient):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
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
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}
