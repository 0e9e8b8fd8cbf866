package http

import (
	"net/http"
	"time"

	"camstream/internal/core/ports"
	"camstream/internal/infrastructure/middleware"
	"camstream/internal/infrastructure/monitoring"
	"camstream/pkg/config"
	"camstream/pkg/errors"
	"camstream/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// RouterDeps is everything the HTTP layer talks to.
type RouterDeps struct {
	Config  *config.Config
	Auth    ports.AuthService
	Camera  ports.CameraService
	Photos  ports.PhotoStore
	Health  readinessSource
	Metrics *monitoring.PrometheusCollector
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func NewRouter(deps RouterDeps) (*gin.Engine, error) {
	cfg := deps.Config
	log := deps.Logger.Sugar()

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, err
	}

	var httpMetrics middleware.HTTPMetrics
	var streamMetrics StreamMetrics
	if deps.Metrics != nil {
		httpMetrics = deps.Metrics
		streamMetrics = deps.Metrics
	}

	router.Use(
		middleware.RequestLogger(logger.NewContextLogger(deps.Logger), httpMetrics),
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg, StreamPath),
	)

	cookie := cfg.Auth.CookieName
	NewAuthHandler(deps.Auth, cookie, log).SetupRoutes(router)
	NewCameraHandler(deps.Camera, deps.Auth, cookie, streamMetrics, log).SetupRoutes(router)
	NewPhotoHandler(deps.Photos, deps.Camera, deps.Auth, cookie, log).SetupRoutes(router)
	NewSystemHandler(cfg, deps.Auth, deps.Camera, deps.Health, deps.Gatherer).SetupRoutes(router)

	router.NoRoute(func(c *gin.Context) {
		_ = c.Error(errors.NewNotFoundError("route"))
	})

	return router, nil
}

// StreamDeadlines lifts the server write timeout for the MJPEG route. It
// must wrap the engine directly so it sees the connection's own writer.
func StreamDeadlines(next http.Handler, logger *zap.SugaredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == StreamPath {
			if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
				logger.Debugw("could not clear stream write deadline", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}
