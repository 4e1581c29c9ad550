package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatrelay/internal/auth"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/service/account"
	"chatrelay/internal/service/chat"
)

// Accounts checks login credentials.
type Accounts interface {
	Login(ctx context.Context, email, password string) (*models.User, error)
}

// Threads is the owner-scoped thread registry behind the REST surface.
type Threads interface {
	CreateThread(ctx context.Context, ownerID int64, title string) (*models.Thread, error)
	ListThreads(ctx context.Context, ownerID int64) ([]models.Thread, error)
	DeleteThread(ctx context.Context, ownerID, threadID int64) error
	ThreadWithMessages(ctx context.Context, ownerID, threadID int64) (*models.Thread, []*models.Message, error)
}

// Sockets serves an authenticated websocket request until it closes.
type Sockets interface {
	Accept(ctx context.Context, w http.ResponseWriter, r *http.Request, id *auth.Identity) error
}

// Handler wires HTTP routes to the account, thread and relay services.
type Handler struct {
	accounts Accounts
	threads  Threads
	auth     *auth.Service
	sockets  Sockets
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewHandler constructs a Handler instance. m may be nil, in which case
// /metrics is not served.
func NewHandler(accounts Accounts, threads Threads, authService *auth.Service, sockets Sockets, m *metrics.Metrics) *Handler {
	return &Handler{
		accounts: accounts,
		threads:  threads,
		auth:     authService,
		sockets:  sockets,
		metrics:  m,
		logger:   slog.Default().With("module", "api"),
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
	router.GET("/ws", h.serveSocket)

	api := router.Group("/api")
	api.POST("/auth/login", h.login)
	api.POST("/auth/logout", h.logout)

	chats := api.Group("/chats")
	chats.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	chats.POST("", h.createChat)
	chats.GET("", h.listChats)
	chats.DELETE("/:id", h.deleteChat)
	chats.GET("/:id/messages", h.chatMessages)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	user, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
			return
		}
		h.logger.Error("login failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	token, _, err := h.auth.Issue(user)
	if err != nil {
		h.logger.Error("issue token failed", "user_id", user.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, token, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"message": "Logged in successfully",
		"token":   token,
		"user":    user,
	})
}

// logout is reachable without a valid token so that a client holding an
// expired or already revoked one can still clear its cookies.
func (h *Handler) logout(c *gin.Context) {
	if _, err := c.Cookie(h.auth.AuthCookieName()); err == nil {
		if err := h.auth.CheckCSRF(c.Request); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
	}
	token := h.auth.TokenFromRequest(c.Request, false)
	if err := h.auth.Revoke(c.Request.Context(), token); err != nil {
		h.logger.Error("revoke token failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "logout temporarily unavailable"})
		return
	}
	h.clearAuthCookies(c)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

type createChatRequest struct {
	Title string `json:"title"`
}

func (h *Handler) createChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req createChatRequest
	// An empty body creates an untitled chat.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"errors": []*chat.ValidationError{
			{Field: "title", Message: "title must be a string"},
		}})
		return
	}
	thread, err := h.threads.CreateThread(c.Request.Context(), userID, req.Title)
	if err != nil {
		var verr *chat.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"errors": []*chat.ValidationError{verr}})
			return
		}
		h.storeFailure(c, "create chat", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chat": thread})
}

func (h *Handler) listChats(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	threads, err := h.threads.ListThreads(c.Request.Context(), userID)
	if err != nil {
		h.storeFailure(c, "list chats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": threads})
}

func (h *Handler) deleteChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	threadID, err := chat.ParseThreadID(c.Param("id"))
	if err == nil {
		err = h.threads.DeleteThread(c.Request.Context(), userID, threadID)
	}
	if err != nil {
		if errors.Is(err, chat.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found"})
			return
		}
		h.storeFailure(c, "delete chat", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Chat deleted successfully",
		"chatId":  threadID,
	})
}

func (h *Handler) chatMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	threadID, err := chat.ParseThreadID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found"})
		return
	}
	thread, messages, err := h.threads.ThreadWithMessages(c.Request.Context(), userID, threadID)
	if err != nil {
		if errors.Is(err, chat.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found"})
			return
		}
		h.storeFailure(c, "load messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat":     thread,
		"messages": messages,
	})
}

// serveSocket runs the identity gate before upgrading, so a refused
// handshake is answered with a plain HTTP error and no socket exists.
func (h *Handler) serveSocket(c *gin.Context) {
	token := h.auth.TokenFromRequest(c.Request, true)
	identity, err := h.auth.Authenticate(c.Request.Context(), token)
	if err != nil {
		status, msg := auth.StatusFor(err)
		c.AbortWithStatusJSON(status, gin.H{"error": msg})
		return
	}
	if err := h.sockets.Accept(c.Request.Context(), c.Writer, c.Request, identity); err != nil {
		h.logger.Debug("socket not accepted", "user_id", identity.User.ID, "err", err)
	}
}

func (h *Handler) storeFailure(c *gin.Context, op string, err error) {
	h.logger.Error(op+" failed", "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
