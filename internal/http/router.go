package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-session/internal/http/middleware"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/middleware"
)

// BasePath prefixes every auth endpoint.
const BasePath = "/api/auth"

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, authHandler *handler.AuthHandler, authMiddleware *httpmiddleware.Auth, origins *middleware.TrustedOrigins, rateLimiter *middleware.RateLimiter, m *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(otelgin.Middleware(cfg.ServiceName))

	// Providers call back cross-site, so these routes skip the origin check.
	// The signed state cookie binds the flow to the initiating browser.
	callback := r.Group(BasePath)
	{
		callback.GET("/callback/:provider", authHandler.OAuthCallback)
		callback.POST("/callback/:provider", authHandler.OAuthCallbackFormPost)
	}

	api := r.Group(BasePath, origins.Handler())
	{
		api.POST("/sign-up/email", authHandler.SignUpEmail)
		api.POST("/sign-in/email", authHandler.SignInEmail)
		api.POST("/sign-in/social", authHandler.SignInSocial)
		api.POST("/sign-out", authHandler.SignOut)
		api.GET("/get-session", authHandler.GetSession)

		api.GET("/providers", authHandler.ListProviders)

		api.POST("/request-password-reset", authHandler.RequestPasswordReset)
		api.GET("/reset-password/:token", authHandler.ResetPasswordCallback)
		api.POST("/reset-password", authHandler.ResetPassword)

		api.GET("/ok", authHandler.OK)
		api.GET("/error", authHandler.ErrorPage)

		authed := api.Group("", authMiddleware.RequireSession)
		{
			authed.GET("/list-sessions", authHandler.ListSessions)
			authed.POST("/revoke-session", authHandler.RevokeSession)
			authed.POST("/revoke-sessions", authHandler.RevokeSessions)
			authed.POST("/revoke-other-sessions", authHandler.RevokeOtherSessions)

			authed.POST("/link-social", authHandler.LinkSocial)
			authed.GET("/list-accounts", authHandler.ListAccounts)
			authed.POST("/unlink-account", authHandler.UnlinkAccount)
			authed.POST("/get-access-token", authHandler.GetAccessToken)
			authed.POST("/refresh-token", authHandler.RefreshToken)

			authed.POST("/change-password", authHandler.ChangePassword)
			authed.POST("/update-user", authHandler.UpdateUser)
			authed.POST("/delete-user", authHandler.DeleteUser)
		}
	}

	r.GET("/metrics", gin.WrapH(m.Handler()))

	r.NoRoute(func(c *gin.Context) {
		httpmiddleware.WriteError(c, logger, notFound)
	})

	return r
}

var notFound = domain.NewAPIError(http.StatusNotFound, "NOT_FOUND", "Not found")
