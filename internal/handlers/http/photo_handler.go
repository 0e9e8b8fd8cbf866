package http

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"camstream/internal/core/ports"
	"camstream/internal/infrastructure/middleware"
	"camstream/pkg/errors"
	"camstream/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PhotoHandler struct {
	store         ports.PhotoStore
	cameraService ports.CameraService
	authService   ports.AuthService
	cookieName    string
	logger        *zap.SugaredLogger
}

func NewPhotoHandler(
	store ports.PhotoStore,
	cameraService ports.CameraService,
	authService ports.AuthService,
	cookieName string,
	logger *zap.SugaredLogger,
) *PhotoHandler {
	return &PhotoHandler{
		store:         store,
		cameraService: cameraService,
		authService:   authService,
		cookieName:    cookieName,
		logger:        logger,
	}
}

func (h *PhotoHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/photos", middleware.SessionOrAPIKey(h.authService, h.cookieName))
	{
		api.GET("", h.List)
		api.GET("/:filename", h.Get)
		api.DELETE("/:filename", h.Delete)
	}
}

type photoView struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
	URL        string    `json:"url"`
}

func (h *PhotoHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	photos, err := h.store.List(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}
	stats, err := h.cameraService.CaptureStats(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}

	views := make([]photoView, 0, len(photos))
	for _, p := range photos {
		views = append(views, photoView{
			Filename:   p.Filename,
			Size:       p.Size,
			CapturedAt: p.CapturedAt,
			URL:        "/api/photos/" + p.Filename,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(views),
		"photos":  views,
		"stats":   stats,
	})
}

func (h *PhotoHandler) Get(c *gin.Context) {
	filename := c.Param("filename")
	if err := validation.ValidatePhotoFilename(filename); err != nil {
		_ = c.Error(errors.FromDomain(err))
		return
	}

	rc, photo, err := h.store.Open(c.Request.Context(), filename)
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer rc.Close()

	c.Header("Content-Type", photoContentType(filename))
	c.Header("Cache-Control", "private, max-age=3600")
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(c.Writer, c.Request, photo.Filename, photo.CapturedAt, rs)
		return
	}
	c.DataFromReader(http.StatusOK, photo.Size, photoContentType(filename), rc, nil)
}

func (h *PhotoHandler) Delete(c *gin.Context) {
	filename := c.Param("filename")
	if err := h.store.Delete(c.Request.Context(), filename); err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Infow("photo deleted", "filename", filename)
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"filename": filename,
	})
}

func photoContentType(filename string) string {
	if strings.EqualFold(filepath.Ext(filename), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}
