package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/estuary/internal/feed"
	"github.com/MarcoPoloResearchLab/estuary/internal/sync"
	"github.com/MarcoPoloResearchLab/estuary/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "estuary_user_id"
	heartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingFeedService   = errors.New("feed service dependency required")
	errMissingSyncService   = errors.New("sync service dependency required")
	errMissingDispatcher    = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenManager TokenManager
	FeedService  *feed.Service
	SyncService  *sync.Service
	UsersService *users.Service
	Realtime     *RealtimeDispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler validates dependencies and builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.FeedService == nil {
		return nil, errMissingFeedService
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.Realtime == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		feeds:    deps.FeedService,
		sync:     deps.SyncService,
		users:    deps.UsersService,
		realtime: deps.Realtime,
		logger:   logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/sync/cursors", handler.handleSyncCursors)
	protected.GET("/sync/changes", handler.handleSyncChanges)
	protected.GET("/sync/events", handler.handleSyncEvents)
	protected.GET("/sync/stream", handler.handleSyncStream)

	protected.GET("/entries", handler.handleListEntries)
	protected.POST("/entries/state", handler.handleEntryState)
	protected.POST("/entries/mark_all_read", handler.handleMarkAllRead)

	protected.POST("/subscriptions", handler.handleSubscribe)
	protected.PATCH("/subscriptions/:id", handler.handleUpdateSubscription)
	protected.DELETE("/subscriptions/:id", handler.handleUnsubscribe)

	protected.GET("/tags", handler.handleListTags)
	protected.POST("/tags", handler.handleCreateTag)
	protected.PATCH("/tags/:id", handler.handleUpdateTag)
	protected.DELETE("/tags/:id", handler.handleDeleteTag)

	return router, nil
}

type httpHandler struct {
	tokens   TokenManager
	feeds    *feed.Service
	sync     *sync.Service
	users    *users.Service
	realtime *RealtimeDispatcher
	logger   *zap.Logger
}

type tokenRequestPayload struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	subject := strings.TrimSpace(request.UserID)
	if h.users != nil {
		resolved, err := h.users.EnsureIdentity(subject, request.Email, request.DisplayName)
		if err != nil {
			h.logger.Error("failed to record identity", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_failed"})
			return
		}
		subject = resolved
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
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
		// Expired tokens are routine; anything else deserves attention.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) requestUserID(c *gin.Context) (string, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}
