package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"camstream/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// value reads the current value of a counter or gauge.
func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if c := out.GetCounter(); c != nil {
		return c.GetValue()
	}
	return out.GetGauge().GetValue()
}

func TestPrometheusCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusCollector(reg)

	p.RecordFramePublished(1000)
	p.RecordFramePublished(3000)
	p.RecordFramesSkipped(4)
	p.SetStreamReaders(2)
	p.RecordCapture("success", 300*time.Millisecond, 2048)
	p.RecordCapture("failure", time.Second, 0)
	p.RecordCapture("success", 200*time.Millisecond, 1024)
	p.SetCameraAvailable(true)
	p.RecordFeedRestart("success")
	p.RecordLogin("failure")
	p.RecordHTTPRequest("GET", "/api/camera/status", 503, time.Millisecond)

	assert.Equal(t, 2.0, value(t, p.framesPublished))
	assert.Equal(t, 4000.0, value(t, p.frameBytes))
	assert.Equal(t, 4.0, value(t, p.framesSkipped))
	assert.Equal(t, 2.0, value(t, p.streamReaders))
	assert.Equal(t, 2.0, value(t, p.captures.WithLabelValues("success")))
	assert.Equal(t, 1.0, value(t, p.captures.WithLabelValues("failure")))
	assert.Equal(t, 1.0, value(t, p.cameraAvailable))
	assert.Equal(t, 1.0, value(t, p.feedRestarts.WithLabelValues("success")))
	assert.Equal(t, 0.0, value(t, p.feedRestarts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, value(t, p.logins.WithLabelValues("failure")))
	assert.Equal(t, 1.0, value(t, p.httpRequests.WithLabelValues("GET", "/api/camera/status", "5xx")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	p.SetCameraAvailable(false)
	assert.Equal(t, 0.0, value(t, p.cameraAvailable))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddCheck("ok", func(context.Context) (bool, error) { return true, nil }, 0, time.Second)
	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["ok"])

	h.AddCheck("broken", func(context.Context) (bool, error) { return false, errors.New("disk gone") }, 0, time.Second)
	h.AddCheck("false", func(context.Context) (bool, error) { return false, nil }, 0, time.Second)

	status = h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "disk gone", status.Checks["broken"])
	assert.Equal(t, "check failed", status.Checks["false"])
	assert.Equal(t, StatusUnhealthy, h.GetReadinessStatus(context.Background()).Status)
}

func TestHealthChecker_CheckHonoursTimeout(t *testing.T) {
	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, 0, 20*time.Millisecond)

	start := time.Now()
	status := h.CheckAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, status.Status)
}

type fakeCamera struct{ status domain.CameraStatus }

func (f fakeCamera) Status(context.Context) domain.CameraStatus { return f.status }

func TestHealthChecker_CameraCheck(t *testing.T) {
	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddCameraCheck(fakeCamera{status: domain.CameraStatus{LastError: "camera device busy"}}, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["camera"], "camera device busy")
}

type fakeStore struct{ err error }

func (f fakeStore) HealthCheck(context.Context) error { return f.err }

func TestHealthChecker_RedisCheck(t *testing.T) {
	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddRedisCheck(fakeStore{}, 0, time.Second)
	assert.Equal(t, StatusHealthy, h.GetReadinessStatus(context.Background()).Status)

	h = NewHealthChecker(zap.NewNop().Sugar())
	h.AddRedisCheck(fakeStore{err: errors.New("connection refused")}, 0, time.Second)
	status := h.GetReadinessStatus(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["redis"], "connection refused")
}

type fakeHub struct{ stats domain.HubStats }

func (f fakeHub) Stats() domain.HubStats { return f.stats }

func TestHealthChecker_FrameFreshness(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)

	cases := []struct {
		name    string
		stats   domain.HubStats
		healthy bool
	}{
		{"idle feed", domain.HubStats{}, true},
		{"live without readers", domain.HubStats{Live: true, LastFrameAt: now.Add(-time.Minute)}, true},
		{"fresh", domain.HubStats{Live: true, Readers: 1, LastFrameAt: now.Add(-time.Second)}, true},
		{"stale", domain.HubStats{Live: true, Readers: 1, LastFrameAt: now.Add(-11 * time.Second)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthChecker(zap.NewNop().Sugar())
			h.now = func() time.Time { return now }
			h.AddFrameFreshnessCheck(fakeHub{stats: tc.stats}, 10*time.Second, 0)

			ok := h.CheckAll(context.Background()).Status == StatusHealthy
			require.Equal(t, tc.healthy, ok)
		})
	}
}

func TestHealthChecker_BackgroundChecksStopWithContext(t *testing.T) {
	h := NewHealthChecker(zap.NewNop().Sugar())
	calls := make(chan struct{}, 16)
	h.AddCheck("tick", func(context.Context) (bool, error) {
		select {
		case calls <- struct{}{}:
		default:
		}
		return true, nil
	}, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	h.StartBackgroundChecks(ctx)

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("background check never ran")
	}
	cancel()
}
