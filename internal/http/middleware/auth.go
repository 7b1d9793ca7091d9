package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/cookie"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/session"
)

const sessionKey = "session"

// Auth resolves the caller's session from request cookies.
type Auth struct {
	Sessions *session.Manager
	Logger   *zap.Logger
}

// NewAuth builds the session middleware.
func NewAuth(sessions *session.Manager, logger *zap.Logger) *Auth {
	return &Auth{Sessions: sessions, Logger: logger}
}

// RequireSession aborts with 401 UNAUTHORIZED unless the request carries a
// live session. Sliding refresh cookies are written as a side effect.
func (m *Auth) RequireSession(c *gin.Context) {
	data, err := m.Sessions.Get(c.Request.Context(), RequestContext(c), session.GetOptions{})
	if err != nil {
		WriteError(c, m.Logger, err)
		return
	}
	if data == nil {
		WriteError(c, m.Logger, domain.ErrUnauthorized)
		return
	}
	c.Set(sessionKey, data)
	c.Next()
}

// GetSession returns the session attached by RequireSession.
func GetSession(c *gin.Context) (*domain.SessionWithUser, bool) {
	value, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	data, ok := value.(*domain.SessionWithUser)
	return data, ok && data != nil
}

// RequestContext adapts a gin request to the session lifecycle.
func RequestContext(c *gin.Context) *session.RequestContext {
	return &session.RequestContext{
		Cookies:   c.Request,
		Out:       cookie.ResponseSink{W: c.Writer},
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// WriteError aborts with the {code, message} body of an APIError. Anything
// else is logged and reported as INTERNAL_SERVER_ERROR.
func WriteError(c *gin.Context, logger *zap.Logger, err error) {
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		if logger == nil {
			logger = zap.L()
		}
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		apiErr = domain.ErrInternal
	}
	status := apiErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{"code": apiErr.Code, "message": apiErr.Message})
}
