package monitoring

import (
	"context"
	"fmt"
	"time"

	"camstream/internal/core/domain"
)

type storeHealthSource interface {
	HealthCheck(ctx context.Context) error
}

// AddRedisCheck fails while the shared session store does not answer.
func (h *HealthChecker) AddRedisCheck(store storeHealthSource, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := store.HealthCheck(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

type cameraStatusSource interface {
	Status(ctx context.Context) domain.CameraStatus
}

// AddCameraCheck fails while the camera cannot be opened or its capture
// breaker is open.
func (h *HealthChecker) AddCameraCheck(camera cameraStatusSource, interval, timeout time.Duration) {
	h.AddCheck("camera", func(ctx context.Context) (bool, error) {
		status := camera.Status(ctx)
		if !status.Available {
			if status.LastError != "" {
				return false, fmt.Errorf("camera unavailable: %s", status.LastError)
			}
			return false, fmt.Errorf("camera unavailable")
		}
		return true, nil
	}, interval, timeout)
}

type hubStatsSource interface {
	Stats() domain.HubStats
}

// AddFrameFreshnessCheck fails when the feed is live with readers attached
// but the newest frame is older than staleAfter.
func (h *HealthChecker) AddFrameFreshnessCheck(hub hubStatsSource, staleAfter, interval time.Duration) {
	h.AddCheck("frames", func(ctx context.Context) (bool, error) {
		stats := hub.Stats()
		if staleAfter <= 0 || !stats.Live || stats.Readers == 0 || stats.LastFrameAt.IsZero() {
			return true, nil
		}
		if age := h.now().Sub(stats.LastFrameAt); age > staleAfter {
			return false, fmt.Errorf("last frame %s old", age.Truncate(time.Millisecond))
		}
		return true, nil
	}, interval, time.Second)
}

// GetReadinessStatus runs every check now; /ready serves the result.
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}
