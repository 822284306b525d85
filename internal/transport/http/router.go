package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	jwtpkg "spsh/backend/internal/auth/jwt"
	"spsh/backend/internal/config"
	"spsh/backend/internal/health"
	"spsh/backend/internal/middleware"
	"spsh/backend/internal/monitoring"
)

const maxBodyBytes = 64 * 1024

// RouterDependencies are the collaborators of the router.
type RouterDependencies struct {
	Config      *config.Config
	Provisioner EmailProvisioner
	Reader      EmailReader
	JWTManager  *jwtpkg.Manager
	Metrics     *monitoring.Metrics
	Health      *health.Checker
	Logger      *zap.Logger
}

// NewRouter builds the gin engine.
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(maxBodyBytes))

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// credentials cannot be combined with a wildcard origin
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	emailHandler := NewEmailHandler(deps.Provisioner, deps.Reader, logger)
	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, logger)

	v1 := router.Group("/v1")
	if limit := deps.Config.Server.RateLimit; limit > 0 {
		v1.Use(middleware.RateLimit(rate.NewLimiter(rate.Limit(limit), max(deps.Config.Server.RateBurst, 1))))
	}
	{
		persons := v1.Group("/persons/:personId")
		persons.POST("/email",
			jwtAuth.RequireScope(jwtpkg.ScopeEmailWrite),
			middleware.ValidateContentType("application/json"),
			emailHandler.setEmailAddress)
		persons.GET("/email", jwtAuth.RequireScope(jwtpkg.ScopeEmailRead), emailHandler.listEmailAddresses)

		v1.GET("/email-domains", jwtAuth.RequireScope(jwtpkg.ScopeEmailRead), emailHandler.listEmailDomains)
	}

	router.NoRoute(func(c *gin.Context) {
		Error(c, http.StatusNotFound, "route not found")
	})

	return router
}
