package camera

import (
	"context"
	"fmt"

	"camstream/internal/core/domain"

	"go.uber.org/zap"
)

// Driver is a hardware backend. The registry wraps a driver in a handle
// that owns the feed goroutine and the single-open guarantee.
type Driver interface {
	Name() string
	// Probe reports the native sensor resolution. A zero resolution with a
	// nil error means the device answered but its size is unknown.
	Probe(ctx context.Context) (domain.Resolution, error)
	Configure(geo domain.StreamGeometry, cfg domain.CameraConfig) error
	ConcurrentStill() bool
	CaptureStill(ctx context.Context) ([]byte, error)
	// StartEncoder starts the low-resolution feed and calls emit for each
	// encoded frame. The returned wait blocks until the feed stops, which
	// happens when ctx is cancelled or the source fails.
	StartEncoder(ctx context.Context, emit func([]byte)) (wait func() error, err error)
	Close() error
}

// classifier lets a driver override the detected module class.
type classifier interface {
	ModuleClass() domain.ModuleClass
}

type DriverFactory func(cfg domain.CameraConfig) (Driver, error)

// NewDriverFactory returns the factory for the named driver.
func NewDriverFactory(name string, logger *zap.SugaredLogger) (DriverFactory, error) {
	switch name {
	case "ffmpeg":
		return func(cfg domain.CameraConfig) (Driver, error) {
			return NewFFmpegDriver(cfg.Device, logger), nil
		}, nil
	case "synthetic":
		return func(cfg domain.CameraConfig) (Driver, error) {
			return NewSyntheticDriver(SyntheticOptions{}), nil
		}, nil
	}
	return nil, fmt.Errorf("unknown camera driver %q", name)
}
