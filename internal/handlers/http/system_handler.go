package http

import (
	"context"
	"net/http"
	"time"

	"camstream/internal/core/ports"
	"camstream/internal/infrastructure/middleware"
	"camstream/internal/infrastructure/monitoring"
	"camstream/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type readinessSource interface {
	GetReadinessStatus(ctx context.Context) monitoring.HealthStatus
}

// SystemHandler serves liveness, readiness, metrics and the config view.
type SystemHandler struct {
	cfg           *config.Config
	authService   ports.AuthService
	cameraService ports.CameraService
	health        readinessSource
	gatherer      prometheus.Gatherer
	now           func() time.Time
}

// NewSystemHandler builds the handler. A nil gatherer disables /metrics.
func NewSystemHandler(
	cfg *config.Config,
	authService ports.AuthService,
	cameraService ports.CameraService,
	health readinessSource,
	gatherer prometheus.Gatherer,
) *SystemHandler {
	return &SystemHandler{
		cfg:           cfg,
		authService:   authService,
		cameraService: cameraService,
		health:        health,
		gatherer:      gatherer,
		now:           time.Now,
	}
}

func (h *SystemHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	router.GET("/api/config", middleware.SessionOrAPIKey(h.authService, h.cfg.Auth.CookieName), h.Config)
}

// Health is liveness only; it never touches the camera.
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    monitoring.StatusHealthy,
		"service":   "camstream",
		"timestamp": h.now().UTC(),
	})
}

func (h *SystemHandler) Ready(c *gin.Context) {
	status := h.health.GetReadinessStatus(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// Config reports the effective configuration without secrets.
func (h *SystemHandler) Config(c *gin.Context) {
	cfg := h.cfg
	cam := cfg.CameraConfig()
	hub := h.cameraService.HubStats()

	c.JSON(http.StatusOK, gin.H{
		"camera": gin.H{
			"driver":              cfg.Camera.Driver,
			"auto_detect":         cam.AutoDetect,
			"fallback_resolution": cam.Fallback.String(),
			"stream_resolution":   cam.Stream.String(),
			"main_format":         cam.MainFormat,
			"lores_format":        cam.LoresFormat,
			"jpeg_quality":        cam.JPEGQuality,
			"frame_rate":          cam.FrameRate,
			"transforms": gin.H{
				"hflip": cam.HFlip,
				"vflip": cam.VFlip,
			},
		},
		"stream": gin.H{
			"stop_policy":   cfg.Stream.StopPolicy,
			"stop_on_idle":  cfg.Stream.StopOnIdle,
			"stall_timeout": cfg.Stream.StallTimeout.String(),
			"readers":       hub.Readers,
			"live":          hub.Live,
		},
		"server": gin.H{
			"address": cfg.Server.Address,
		},
		"photos": gin.H{
			"directory":  cfg.Storage.PhotosDir,
			"max_photos": cfg.Storage.MaxPhotos,
		},
		"auth": gin.H{
			"session_ttl":           cfg.Auth.SessionTTL.String(),
			"idle_timeout":          cfg.Auth.IdleTimeout.String(),
			"max_sessions":          cfg.Auth.MaxSessions,
			"stream_token_ttl":      cfg.Auth.StreamTokenTTL.String(),
			"stream_token_reusable": cfg.Auth.StreamTokenReusable,
			"api_key_enabled":       cfg.Auth.APIKey != "",
		},
		"sessions":  h.authService.Stats(c.Request.Context()),
		"redis":     cfg.Redis.Enabled,
		"timestamp": h.now().UTC(),
	})
}
