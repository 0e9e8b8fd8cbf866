package http

import (
	"net/http"
	"time"

	"camstream/internal/core/ports"
	"camstream/internal/infrastructure/middleware"
	"camstream/internal/infrastructure/streaming"
	"camstream/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StreamPath is the MJPEG route. It is exempt from the write timeout and
// the concurrency cap.
const StreamPath = "/api/camera/stream"

type StreamMetrics interface {
	RecordStreamServed(duration time.Duration)
}

type CameraHandler struct {
	cameraService ports.CameraService
	authService   ports.AuthService
	cookieName    string
	metrics       StreamMetrics
	logger        *zap.SugaredLogger
}

func NewCameraHandler(
	cameraService ports.CameraService,
	authService ports.AuthService,
	cookieName string,
	metrics StreamMetrics,
	logger *zap.SugaredLogger,
) *CameraHandler {
	return &CameraHandler{
		cameraService: cameraService,
		authService:   authService,
		cookieName:    cookieName,
		metrics:       metrics,
		logger:        logger,
	}
}

func (h *CameraHandler) SetupRoutes(router *gin.Engine) {
	router.GET(StreamPath, middleware.StreamTokenAuth(h.authService), h.Stream)

	api := router.Group("/api/camera", middleware.SessionOrAPIKey(h.authService, h.cookieName))
	{
		api.GET("/status", h.Status)
		api.GET("/capture", h.Capture)
		api.POST("/capture", h.Capture)
		api.POST("/stream/stop", h.StopStream)
	}
}

func (h *CameraHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.cameraService.Status(c.Request.Context()))
}

func (h *CameraHandler) Capture(c *gin.Context) {
	photo, err := h.cameraService.Capture(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"filename":    photo.Filename,
		"size":        photo.Size,
		"captured_at": photo.CapturedAt,
		"url":         "/api/photos/" + photo.Filename,
	})
}

// Stream serves the live feed until the client goes away or the feed ends.
func (h *CameraHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()

	reader, err := h.cameraService.OpenStream(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer h.cameraService.ReleaseStream(reader)

	c.Header("Content-Type", streaming.ContentType)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	start := time.Now()
	frames, err := streaming.Pump(ctx, reader, streaming.NewMJPEGWriter(c.Writer))
	elapsed := time.Since(start)

	if h.metrics != nil {
		h.metrics.RecordStreamServed(elapsed)
	}
	tracing.AddSpanAttributes(ctx, tracing.FramesServedKey.Int(frames))
	if err != nil && ctx.Err() == nil {
		h.logger.Debugw("stream write failed", "frames", frames, "error", err)
	}
	h.logger.Infow("stream closed",
		"client_ip", c.ClientIP(),
		"frames", frames,
		"last_seq", reader.LastSeq(),
		"duration", elapsed.Round(time.Millisecond),
	)
}

func (h *CameraHandler) StopStream(c *gin.Context) {
	result, err := h.cameraService.StopStream(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}
