package middleware

import (
	"strings"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"
	"camstream/pkg/errors"
	"camstream/pkg/logger"
	"camstream/pkg/utils"

	"github.com/gin-gonic/gin"
)

const (
	sessionKey     = "camstream.session"
	streamTokenKey = "camstream.stream_token"
	apiKeyAuthKey  = "camstream.api_key"
)

// SessionAuth requires a valid session cookie.
func SessionAuth(auth ports.AuthService, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authenticateSession(c, auth, cookieName) {
			abortWith(c, errors.FromDomain(domain.ErrUnauthenticated))
			return
		}
		c.Next()
	}
}

// SessionOrAPIKey accepts the API key from `Authorization: Bearer` or
// `X-API-Key`, falling back to the session cookie.
func SessionOrAPIKey(auth ports.AuthService, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := apiKeyFrom(c); key != "" && auth.ValidateAPICredential(key) {
			c.Set(apiKeyAuthKey, true)
			c.Next()
			return
		}
		if !authenticateSession(c, auth, cookieName) {
			abortWith(c, errors.FromDomain(domain.ErrUnauthenticated))
			return
		}
		c.Next()
	}
}

// StreamTokenAuth checks the `token` query parameter. A missing token is
// 401, a token that fails validation is 403.
func StreamTokenAuth(auth ports.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		value := c.Query("token")
		if value == "" {
			abortWith(c, errors.NewUnauthorizedError("stream token required"))
			return
		}

		token, err := auth.ValidateStreamToken(c.Request.Context(), value)
		if err != nil {
			abortWith(c, errors.FromDomain(domain.ErrInvalidToken))
			return
		}

		c.Set(streamTokenKey, token)
		c.Request = c.Request.WithContext(logger.WithSessionID(c.Request.Context(), sessionRef(token.SessionID)))
		c.Next()
	}
}

// SessionFrom returns the session attached by SessionAuth or SessionOrAPIKey.
// It is nil for API key requests.
func SessionFrom(c *gin.Context) *domain.AuthSession {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil
	}
	session, _ := v.(*domain.AuthSession)
	return session
}

func StreamTokenFrom(c *gin.Context) *domain.StreamToken {
	v, ok := c.Get(streamTokenKey)
	if !ok {
		return nil
	}
	token, _ := v.(*domain.StreamToken)
	return token
}

func AuthenticatedByAPIKey(c *gin.Context) bool {
	return c.GetBool(apiKeyAuthKey)
}

func authenticateSession(c *gin.Context, auth ports.AuthService, cookieName string) bool {
	id, err := c.Cookie(cookieName)
	if err != nil || id == "" {
		return false
	}
	session, err := auth.ValidateSession(c.Request.Context(), domain.SessionID(id))
	if err != nil {
		return false
	}
	c.Set(sessionKey, session)
	c.Request = c.Request.WithContext(logger.WithSessionID(c.Request.Context(), sessionRef(session.ID)))
	return true
}

func apiKeyFrom(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	header := c.GetHeader("Authorization")
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}

// sessionRef is the loggable form of a session ID.
func sessionRef(id domain.SessionID) string {
	return utils.TruncateString(utils.MaskSensitive(string(id), 6), 12)
}

func abortWith(c *gin.Context, appErr *errors.AppError) {
	_ = c.Error(appErr)
	c.Abort()
}
