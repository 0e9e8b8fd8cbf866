package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"
	"camstream/internal/core/services"
	"camstream/internal/infrastructure/camera"
	"camstream/internal/infrastructure/monitoring"
	"camstream/internal/infrastructure/repositories/memory"
	"camstream/internal/infrastructure/storage"
	"camstream/internal/infrastructure/streaming"
	"camstream/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testPassword = "correct horse battery"
	testAPIKey   = "test-api-key-123"
	testSecret   = "0123456789abcdef0123456789abcdef"
)

type testApp struct {
	router *gin.Engine
	cfg    *config.Config
	camera ports.CameraService
	auth   ports.AuthService
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	zl := zap.NewNop()
	log := zl.Sugar()

	cfg := config.DefaultConfig()
	cfg.Camera.Driver = "synthetic"
	cfg.Camera.FallbackWidth, cfg.Camera.FallbackHeight = 320, 240
	cfg.Camera.StreamWidth, cfg.Camera.StreamHeight = 160, 120
	cfg.Auth.Password = testPassword
	cfg.Auth.APIKey = testAPIKey
	cfg.Auth.JWTSecret = testSecret
	cfg.Storage.PhotosDir = t.TempDir()

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewPrometheusCollector(reg)

	auth := services.NewAuthService(services.AuthConfig{
		Password:          cfg.Auth.Password,
		APIKey:            cfg.Auth.APIKey,
		JWTSecret:         cfg.Auth.JWTSecret,
		SessionTTL:        cfg.Auth.SessionTTL,
		IdleTimeout:       cfg.Auth.IdleTimeout,
		MaxSessions:       cfg.Auth.MaxSessions,
		StreamTokenTTL:    cfg.Auth.StreamTokenTTL,
		CleanupInterval:   cfg.Auth.CleanupInterval,
		MaxFailedLogins:   cfg.Auth.MaxFailedLogins,
		FailedLoginWindow: cfg.Auth.FailedLoginWindow,
	}, memory.NewMemorySessionRepository(), memory.NewMemoryStreamTokenRepository(), log,
		services.WithAuthMetrics(metrics))

	driver := camera.NewSyntheticDriver(camera.SyntheticOptions{
		Sensor:        domain.Resolution{Width: 320, Height: 240},
		FrameInterval: 10 * time.Millisecond,
	})
	registry := camera.NewRegistry(func(domain.CameraConfig) (camera.Driver, error) { return driver, nil }, log)
	hub := streaming.NewHub(log, streaming.WithMetrics(metrics))
	store, err := storage.NewFileStore(cfg.Storage.PhotosDir, log)
	require.NoError(t, err)

	cam := services.NewCameraService(services.CameraServiceConfig{
		Camera:         cfg.CameraConfig(),
		CaptureTimeout: 2 * time.Second,
		StopPolicy:     domain.StopDeferred,
		MaxPhotos:      cfg.Storage.MaxPhotos,
	}, registry, hub, store, log, services.WithCameraMetrics(metrics))
	t.Cleanup(func() { _ = cam.Close(context.Background()) })

	health := monitoring.NewHealthChecker(log)
	health.AddCameraCheck(cam, 0, time.Second)
	health.AddFrameFreshnessCheck(hub, 5*time.Second, 0)

	router, err := NewRouter(RouterDeps{
		Config:   cfg,
		Auth:     auth,
		Camera:   cam,
		Photos:   store,
		Health:   health,
		Metrics:  metrics,
		Gatherer: reg,
		Logger:   zl,
	})
	require.NoError(t, err)

	return &testApp{router: router, cfg: cfg, camera: cam, auth: auth}
}

type requestOption func(*http.Request)

func withAPIKey(r *http.Request) { r.Header.Set("X-API-Key", testAPIKey) }

func withCookie(c *http.Cookie) requestOption {
	return func(r *http.Request) { r.AddCookie(c) }
}

func (a *testApp) do(method, path string, body io.Reader, opts ...requestOption) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testApp) login(t *testing.T) *http.Cookie {
	t.Helper()
	w := a.do(http.MethodPost, "/api/auth/login", strings.NewReader(`{"password":"`+testPassword+`"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	for _, c := range w.Result().Cookies() {
		if c.Name == a.cfg.Auth.CookieName {
			return c
		}
	}
	t.Fatal("login did not set the session cookie")
	return nil
}

func (a *testApp) streamToken(t *testing.T, session *http.Cookie) string {
	t.Helper()
	w := a.do(http.MethodGet, "/api/session/streaming-token", nil, withCookie(session))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Token)
	return body.Token
}

func jsonBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestLogin(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodPost, "/api/auth/login", strings.NewReader(`{"password":"wrong"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", jsonBody(t, w)["error"])
	assert.Empty(t, w.Result().Cookies())

	w = app.do(http.MethodPost, "/api/auth/login", strings.NewReader(`not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = app.do(http.MethodPost, "/api/auth/login", strings.NewReader(`{"password":"`+testPassword+`"}`))
	require.Equal(t, http.StatusOK, w.Code)
	body := jsonBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["expires_at"])

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, app.cfg.Auth.CookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
	assert.False(t, cookies[0].Secure)
	assert.Len(t, cookies[0].Value, 43)
}

func TestLogin_SecureCookieBehindTLSProxy(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodPost, "/api/auth/login", strings.NewReader(`{"password":"`+testPassword+`"}`),
		func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "https") })
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, w.Result().Cookies(), 1)
	assert.True(t, w.Result().Cookies()[0].Secure)
}

func TestLogin_BlocksAfterRepeatedFailures(t *testing.T) {
	app := newTestApp(t)

	for i := 0; i < app.cfg.Auth.MaxFailedLogins; i++ {
		w := app.do(http.MethodPost, "/api/auth/login", strings.NewReader(`{"password":"nope"}`))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := app.do(http.MethodPost, "/api/auth/login", strings.NewReader(`{"password":"`+testPassword+`"}`))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", jsonBody(t, w)["error"])
}

func TestStreamingToken(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodGet, "/api/session/streaming-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The API key is not a session.
	w = app.do(http.MethodGet, "/api/session/streaming-token", nil, withAPIKey)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	session := app.login(t)
	w = app.do(http.MethodGet, "/api/session/streaming-token", nil, withCookie(session))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	body := jsonBody(t, w)
	assert.NotEmpty(t, body["token"])
	assert.NotEmpty(t, body["expires_at"])
	expiresIn, ok := body["expires_in"].(float64)
	require.True(t, ok)
	assert.InDelta(t, 60, expiresIn, 1)
}

func TestLogout_ClearsCookieAndIsIdempotent(t *testing.T) {
	app := newTestApp(t)
	session := app.login(t)

	w := app.do(http.MethodPost, "/api/auth/logout", nil, withCookie(session))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, jsonBody(t, w)["success"])
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value)
	assert.Negative(t, cookies[0].MaxAge)

	w = app.do(http.MethodGet, "/api/session/streaming-token", nil, withCookie(session))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = app.do(http.MethodPost, "/api/auth/logout", nil, withCookie(session))
	assert.Equal(t, http.StatusOK, w.Code)
	w = app.do(http.MethodPost, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCameraStatus(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodGet, "/api/camera/status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = app.do(http.MethodGet, "/api/camera/status", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+testAPIKey)
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := jsonBody(t, w)
	assert.Equal(t, true, body["available"])
	assert.Equal(t, false, body["streaming"])
	assert.Equal(t, "320x240", body["resolution"])

	session := app.login(t)
	w = app.do(http.MethodGet, "/api/camera/status", nil, withCookie(session))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCaptureAndPhotoLifecycle(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodPost, "/api/camera/capture", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = app.do(http.MethodPost, "/api/camera/capture", nil, withAPIKey)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	captured := jsonBody(t, w)
	assert.Equal(t, true, captured["success"])
	filename, _ := captured["filename"].(string)
	require.Regexp(t, `^photo_\d{8}_\d{6}(_\d+)?\.jpg$`, filename)
	assert.Positive(t, captured["size"])

	// Browsers trigger captures with a plain GET as well.
	w = app.do(http.MethodGet, "/api/camera/capture", nil, withAPIKey)
	require.Equal(t, http.StatusOK, w.Code)

	w = app.do(http.MethodGet, "/api/photos", nil, withAPIKey)
	require.Equal(t, http.StatusOK, w.Code)
	list := jsonBody(t, w)
	assert.EqualValues(t, 2, list["count"])
	stats, ok := list["stats"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 2, stats["photos_captured"])
	assert.EqualValues(t, app.cfg.Storage.MaxPhotos, stats["max_photos_limit"])

	w = app.do(http.MethodGet, "/api/photos/"+filename, nil, withAPIKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte{0xFF, 0xD8}))

	w = app.do(http.MethodDelete, "/api/photos/"+filename, nil, withAPIKey)
	require.Equal(t, http.StatusOK, w.Code)

	w = app.do(http.MethodDelete, "/api/photos/"+filename, nil, withAPIKey)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = app.do(http.MethodGet, "/api/photos/"+filename, nil, withAPIKey)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPhotos_RejectsTraversal(t *testing.T) {
	app := newTestApp(t)

	for _, name := range []string{"..evil.jpg", "a..b.jpg", "notes.txt", "%5C..%5Cx.jpg"} {
		w := app.do(http.MethodDelete, "/api/photos/"+name, nil, withAPIKey)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		assert.Equal(t, "INVALID_INPUT", jsonBody(t, w)["error"], name)

		w = app.do(http.MethodGet, "/api/photos/"+name, nil, withAPIKey)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}

func TestStream_Credentials(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodGet, StreamPath, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = app.do(http.MethodGet, StreamPath+"?token=not-a-token", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INVALID_TOKEN", jsonBody(t, w)["error"])

	// A session cookie is not a stream token.
	session := app.login(t)
	w = app.do(http.MethodGet, StreamPath+"?token="+session.Value, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = app.do(http.MethodGet, StreamPath+"?token="+testAPIKey, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func readParts(t *testing.T, mr *multipart.Reader, n int) [][]byte {
	t.Helper()
	parts := make([][]byte, 0, n)
	for len(parts) < n {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		data, err := io.ReadAll(part)
		require.NoError(t, err)
		parts = append(parts, data)
	}
	return parts
}

func TestStream_ServesMJPEGAndSurvivesLogout(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(StreamDeadlines(app.router, zap.NewNop().Sugar()))
	defer srv.Close()

	session := app.login(t)
	token := app.streamToken(t, session)

	w := app.do(http.MethodPost, "/api/auth/logout", nil, withCookie(session))
	require.Equal(t, http.StatusOK, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+StreamPath+"?token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	mr := multipart.NewReader(resp.Body, streaming.Boundary)
	for _, frame := range readParts(t, mr, 3) {
		assert.True(t, bytes.HasPrefix(frame, []byte{0xFF, 0xD8}))
	}
	assert.Equal(t, 1, app.camera.HubStats().Readers)

	// Capturing while a viewer is attached must not end the stream.
	w = app.do(http.MethodPost, "/api/camera/capture", nil, withAPIKey)
	require.Equal(t, http.StatusOK, w.Code)
	readParts(t, mr, 2)

	// The token was spent on the first connection.
	w = app.do(http.MethodGet, StreamPath+"?token="+token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStreamStop(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodPost, "/api/camera/stream/stop", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = app.do(http.MethodPost, "/api/camera/stream/stop", nil, withAPIKey)
	require.Equal(t, http.StatusOK, w.Code)
	body := jsonBody(t, w)
	assert.Equal(t, true, body["stopped"])
	assert.EqualValues(t, 0, body["readers"])
	assert.Equal(t, "deferred", body["policy"])
}

func TestHealthReadyAndMetrics(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", jsonBody(t, w)["status"])

	w = app.do(http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	checks, ok := jsonBody(t, w)["checks"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "healthy", checks["camera"])
	assert.Equal(t, "healthy", checks["frames"])

	w = app.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "camstream_http_requests_total")
}

func TestConfigView_HidesSecrets(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodGet, "/api/config", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = app.do(http.MethodGet, "/api/config", nil, withAPIKey)
	require.Equal(t, http.StatusOK, w.Code)
	raw := w.Body.String()
	assert.NotContains(t, raw, testPassword)
	assert.NotContains(t, raw, testAPIKey)
	assert.NotContains(t, raw, testSecret)

	body := jsonBody(t, w)
	cam, ok := body["camera"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "320x240", cam["fallback_resolution"])
	assert.Equal(t, "160x120", cam["stream_resolution"])
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	app := newTestApp(t)
	w := app.do(http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := jsonBody(t, w)
	assert.Equal(t, "NOT_FOUND", body["error"])
	assert.Equal(t, "route not found", body["message"])
}
