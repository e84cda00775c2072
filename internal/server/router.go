package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/history"
	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/resolution"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	actorIDContextKey        = "scriptsync_actor_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentityRegistry = errors.New("identity registry dependency required")
	errMissingDocumentStore    = errors.New("document store dependency required")
	errMissingConflictResolver = errors.New("conflict resolver dependency required")
	errMissingSessionReader    = errors.New("session reader dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityRegistry turns validated session claims into the canonical editor id.
type IdentityRegistry interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type DocumentStore interface {
	Create(ctx context.Context, request documents.CreateRequest) (documents.WriteResult, error)
	Get(ctx context.Context, documentID documents.DocumentID) (documents.Document, error)
	Write(ctx context.Context, request documents.WriteRequest) (documents.WriteResult, error)
	ReadHistory(ctx context.Context, query documents.HistoryQuery) (documents.HistoryPage, error)
}

type ConflictResolver interface {
	Resolve(ctx context.Context, request resolution.Request) (resolution.Outcome, error)
}

type SessionReader interface {
	Sessions(ctx context.Context, query history.SessionQuery) (history.SessionPage, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Identities        IdentityRegistry
	Documents         DocumentStore
	Resolver          ConflictResolver
	Sessions          SessionReader
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Identities == nil {
		return nil, errMissingIdentityRegistry
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentStore
	}
	if deps.Resolver == nil {
		return nil, errMissingConflictResolver
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionReader
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		identities: deps.Identities,
		documents:  deps.Documents,
		resolver:   deps.Resolver,
		history:    deps.Sessions,
		realtime:   realtime,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/documents")
	protected.Use(handler.authorizeRequest)
	protected.POST("", handler.handleCreateDocument)
	protected.GET("/:id", handler.handleGetDocument)
	protected.PUT("/:id", handler.handleWriteDocument)
	protected.POST("/:id/resolve", handler.handleResolveConflict)
	protected.GET("/:id/history", handler.handleReadHistory)
	protected.GET("/:id/sessions", handler.handleReadSessions)
	protected.GET("/:id/events", handler.handleDocumentEvents)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions   SessionValidator
	identities IdentityRegistry
	documents  DocumentStore
	resolver   ConflictResolver
	history    SessionReader
	realtime   *RealtimeDispatcher
	heartbeat  time.Duration
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	actorID, err := h.identities.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("identity registration failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorIDContextKey, actorID)
	c.Next()
}

func (h *httpHandler) actor(c *gin.Context) (documents.ActorID, bool) {
	actorID, err := documents.NewActorID(c.GetString(actorIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return actorID, true
}

func (h *httpHandler) documentID(c *gin.Context) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}

// respondError maps service failures onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("path", c.FullPath()),
		zap.Int("status", status),
		zap.Error(err),
	}
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", fields...)
	case status == http.StatusBadRequest:
		h.logger.Debug("request rejected", fields...)
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, documents.ErrDocumentNotFound):
		return http.StatusNotFound, "document_not_found"
	case errors.Is(err, documents.ErrDocumentDeleted):
		return http.StatusGone, "document_deleted"
	case errors.Is(err, documents.ErrDocumentExists):
		return http.StatusConflict, "document_exists"
	case errors.Is(err, documents.ErrInvalidDocumentID):
		return http.StatusBadRequest, "invalid_document_id"
	case errors.Is(err, documents.ErrInvalidActorID):
		return http.StatusBadRequest, "invalid_actor_id"
	case errors.Is(err, documents.ErrInvalidVersion):
		return http.StatusBadRequest, "invalid_version"
	case errors.Is(err, documents.ErrInvalidFields):
		return http.StatusBadRequest, "invalid_fields"
	case errors.Is(err, documents.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, resolution.ErrUnknownStrategy):
		return http.StatusBadRequest, "invalid_strategy"
	case errors.Is(err, resolution.ErrMissingLocalState):
		return http.StatusBadRequest, "missing_fields"
	case errors.Is(err, resolution.ErrMissingConflict):
		return http.StatusBadRequest, "invalid_conflict"
	case errors.Is(err, documents.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *httpHandler) publishAccepted(result documents.WriteResult) {
	if !result.Accepted || result.Entry == nil {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		DocumentID: result.Document.ID,
		EventType:  RealtimeEventDocumentChanged,
		Version:    result.Document.Version,
		EditedBy:   result.Entry.EditedBy,
		ChangeType: string(result.Entry.ChangeType),
		Summary:    result.Entry.Summary,
		Timestamp:  result.Entry.EditedAt,
	})
}
