package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/haulware/docsync/internal/auth"
	"github.com/haulware/docsync/internal/document"
	"github.com/haulware/docsync/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const userIDContextKey = "docsync_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingManager       = errors.New("repository manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionTokenManager issues and validates bearer tokens for the API.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// SessionObserver is told when a bearer token authenticates a session, so
// the repository auth gate sees the signed-in user.
type SessionObserver interface {
	Settle(user auth.User, present bool)
}

// Dependencies wires the HTTP layer to the repository stack.
type Dependencies struct {
	TokenManager SessionTokenManager
	Manager      *repository.Manager
	Sessions     SessionObserver
	Dispatcher   *RealtimeDispatcher
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the document API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Manager == nil {
		return nil, errMissingManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		manager:    deps.Manager,
		sessions:   deps.Sessions,
		dispatcher: dispatcher,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	router.POST("/auth/session", handler.handleSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/quota", handler.handleQuotaStatus)
	protected.POST("/collections/:collection/documents", handler.handleCreate)
	protected.PUT("/collections/:collection/documents/:id", handler.handleSave)
	protected.GET("/collections/:collection/documents/:id", handler.handleGet)
	protected.GET("/collections/:collection/documents", handler.handleGetAll)
	protected.DELETE("/collections/:collection/documents/:id", handler.handleDelete)
	protected.GET("/collections/:collection/pending-sync", handler.handlePendingSync)
	protected.GET("/collections/:collection/stream", handler.handleStream)

	return router, nil
}

type httpHandler struct {
	tokens     SessionTokenManager
	manager    *repository.Manager
	sessions   SessionObserver
	dispatcher *RealtimeDispatcher
	logger     *zap.Logger

	feedMu sync.Mutex
	feeds  map[string]func()
}

type sessionRequestPayload struct {
	UserID string `json:"user_id"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), request.UserID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type documentPayload struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	UserID    string         `json:"user_id,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	Fields    map[string]any `json:"fields"`
}

func documentToPayload(doc document.Document) documentPayload {
	return documentPayload{
		ID:        doc.ID,
		TenantID:  doc.TenantID,
		UserID:    doc.UserID,
		UpdatedAt: doc.UpdatedAt,
		Fields:    doc.Fields,
	}
}

// handleCreate saves a document under a freshly generated identifier.
func (h *httpHandler) handleCreate(c *gin.Context) {
	repo, ok := h.repositoryFor(c)
	if !ok {
		return
	}

	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	id := document.NewRandomID().String()
	saved, err := repo.Save(c.Request.Context(), id, fields)
	if err != nil {
		h.respondRepositoryError(c, "create failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "saved": saved})
}

func (h *httpHandler) handleSave(c *gin.Context) {
	repo, ok := h.repositoryFor(c)
	if !ok {
		return
	}

	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	saved, err := repo.Save(c.Request.Context(), c.Param("id"), fields)
	if err != nil {
		h.respondRepositoryError(c, "save failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": saved})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	repo, ok := h.repositoryFor(c)
	if !ok {
		return
	}

	doc, exists, err := repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondRepositoryError(c, "get failed", err)
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, documentToPayload(doc))
}

func (h *httpHandler) handleGetAll(c *gin.Context) {
	repo, ok := h.repositoryFor(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	docs, err := repo.GetAll(c.Request.Context(), repository.GetAllOptions{Limit: limit})
	if err != nil {
		h.respondRepositoryError(c, "query failed", err)
		return
	}

	payloads := make([]documentPayload, 0, len(docs))
	for _, doc := range docs {
		payloads = append(payloads, documentToPayload(doc))
	}
	c.JSON(http.StatusOK, gin.H{"documents": payloads})
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	repo, ok := h.repositoryFor(c)
	if !ok {
		return
	}

	deleted, err := repo.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondRepositoryError(c, "delete failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *httpHandler) handlePendingSync(c *gin.Context) {
	repo, ok := h.repositoryFor(c)
	if !ok {
		return
	}

	ids, err := repo.PendingSync()
	if err != nil {
		h.respondRepositoryError(c, "pending-sync read failed", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": ids})
}

func (h *httpHandler) handleQuotaStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.QuotaStatus())
}

// handleStream serves server-sent events: the collection's visible document
// set on every change, with periodic heartbeats.
func (h *httpHandler) handleStream(c *gin.Context) {
	repo, ok := h.repositoryFor(c)
	if !ok {
		return
	}
	collection := repo.Collection()
	h.ensureFeed(collection, repo)

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), collection)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": time.Now().UTC()})
			return true
		case message, open := <-stream:
			if !open {
				return false
			}
			payloads := make([]documentPayload, 0, len(message.Documents))
			for _, doc := range message.Documents {
				payloads = append(payloads, documentToPayload(doc))
			}
			c.SSEvent(message.EventType, gin.H{
				"collection": message.Collection,
				"documents":  payloads,
				"ts":         message.Timestamp,
			})
			return true
		}
	})
}

// ensureFeed starts at most one upstream repository subscription per
// collection; its events fan out through the dispatcher to every client.
func (h *httpHandler) ensureFeed(collection string, repo *repository.Repository) {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()
	if h.feeds == nil {
		h.feeds = make(map[string]func())
	}
	if _, ok := h.feeds[collection]; ok {
		return
	}
	cancel := repo.Subscribe(context.Background(), func(docs []document.Document) {
		h.dispatcher.Publish(RealtimeMessage{
			Collection: collection,
			EventType:  RealtimeEventCollectionChanged,
			Documents:  docs,
			Timestamp:  time.Now().UTC(),
		})
	})
	h.feeds[collection] = cancel
}

func (h *httpHandler) repositoryFor(c *gin.Context) (*repository.Repository, bool) {
	repo, err := h.manager.Repository(c.Param("collection"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_collection"})
		return nil, false
	}
	return repo, true
}

func (h *httpHandler) respondRepositoryError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, repository.ErrQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "quota_exceeded"})
	case errors.Is(err, repository.ErrRemoteUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "remote_unavailable"})
	case errors.Is(err, repository.ErrLocalStorage):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failed"})
	default:
		var repoErr *repository.RepositoryError
		if errors.As(err, &repoErr) && strings.HasSuffix(repoErr.Code(), "invalid_id") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
	h.logger.Warn(message, zap.String("collection", c.Param("collection")), zap.Error(err))
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
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.sessions != nil {
		h.sessions.Settle(auth.User{ID: subject}, true)
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
