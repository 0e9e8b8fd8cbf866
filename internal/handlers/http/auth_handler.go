package http

import (
	"net/http"
	"strings"
	"time"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"
	"camstream/internal/infrastructure/middleware"
	"camstream/pkg/errors"
	"camstream/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AuthHandler struct {
	authService ports.AuthService
	cookieName  string
	logger      *zap.SugaredLogger
	now         func() time.Time
}

func NewAuthHandler(authService ports.AuthService, cookieName string, logger *zap.SugaredLogger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		cookieName:  cookieName,
		logger:      logger,
		now:         time.Now,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	requireSession := middleware.SessionAuth(h.authService, h.cookieName)

	api := router.Group("/api")
	{
		api.POST("/auth/login", h.Login)
		api.POST("/auth/logout", h.Logout)
		api.GET("/session/streaming-token", requireSession, h.StreamingToken)
	}
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidatePassword(req.Password); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	secure := requestIsSecure(c.Request)
	session, err := h.authService.Login(c.Request.Context(), req.Password, domain.ClientInfo{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Secure:    secure,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.setSessionCookie(c, string(session.ID), session.ExpiresAt, secure)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"expires_at": session.ExpiresAt,
	})
}

// Logout always clears the cookie, even when the session is already gone.
func (h *AuthHandler) Logout(c *gin.Context) {
	if id, err := c.Cookie(h.cookieName); err == nil && id != "" {
		if err := h.authService.Logout(c.Request.Context(), domain.SessionID(id)); err != nil {
			h.logger.Warnw("logout failed", "error", err)
		}
	}

	h.setSessionCookie(c, "", time.Unix(0, 0), requestIsSecure(c.Request))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *AuthHandler) StreamingToken(c *gin.Context) {
	session := middleware.SessionFrom(c)
	token, err := h.authService.MintStreamToken(c.Request.Context(), session.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	expiresIn := int(token.ExpiresAt.Sub(h.now()).Round(time.Second) / time.Second)
	if expiresIn < 0 {
		expiresIn = 0
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{
		"token":      token.Value,
		"expires_at": token.ExpiresAt,
		"expires_in": expiresIn,
	})
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, value string, expires time.Time, secure bool) {
	cookie := &http.Cookie{
		Name:     h.cookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	if value == "" {
		cookie.MaxAge = -1
	}
	http.SetCookie(c.Writer, cookie)
}

// requestIsSecure reports whether the client reached us over TLS, directly or
// through a proxy that sets X-Forwarded-Proto.
func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
