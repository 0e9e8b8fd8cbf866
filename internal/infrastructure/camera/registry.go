package camera

import (
	"context"
	"fmt"
	"sync"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"

	"go.uber.org/zap"
)

// Lease guards the device across processes, for example a Redis lock.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Registry hands out at most one open camera handle per process.
type Registry struct {
	mu       sync.Mutex
	open     *handle
	factory  DriverFactory
	newLease func() Lease
	logger   *zap.SugaredLogger
}

type RegistryOption func(*Registry)

func WithLease(newLease func() Lease) RegistryOption {
	return func(r *Registry) { r.newLease = newLease }
}

func NewRegistry(factory DriverFactory, logger *zap.SugaredLogger, opts ...RegistryOption) *Registry {
	r := &Registry{
		factory: factory,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open probes and configures the device. It fails with ErrDeviceBusy when
// a handle is already open and never replaces it.
func (r *Registry) Open(ctx context.Context, cfg domain.CameraConfig) (ports.CameraHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.open != nil {
		return nil, domain.ErrDeviceBusy
	}

	var lease Lease
	if r.newLease != nil {
		lease = r.newLease()
		acquired, err := lease.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: device lease: %v", domain.ErrDeviceUnavailable, err)
		}
		if !acquired {
			return nil, fmt.Errorf("%w: held by another process", domain.ErrDeviceBusy)
		}
	}

	h, err := r.openDriver(ctx, cfg)
	if err != nil {
		if lease != nil {
			_ = lease.Release(context.WithoutCancel(ctx))
		}
		return nil, err
	}
	h.lease = lease
	h.registry = r
	r.open = h

	r.logger.Infow("camera opened",
		"driver", h.driver.Name(),
		"module", h.info.Class,
		"sensor", h.info.SensorResolution.String(),
		"buffers", h.info.BufferCount,
		"stream", fmt.Sprintf("%dx%d", h.geo.Lores.Width, h.geo.Lores.Height),
	)
	return h, nil
}

func (r *Registry) openDriver(ctx context.Context, cfg domain.CameraConfig) (*handle, error) {
	driver, err := r.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	sensor, err := driver.Probe(ctx)
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	info := domain.DetectModule(sensor, cfg)
	if c, ok := driver.(classifier); ok {
		info.Class = c.ModuleClass()
	}
	geo := domain.GeometryFor(info, cfg)

	if err := driver.Configure(geo, cfg); err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("%w: configure: %v", domain.ErrDeviceUnavailable, err)
	}

	return &handle{
		driver: driver,
		info:   info,
		geo:    geo,
		logger: r.logger,
	}, nil
}

func (r *Registry) release(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == h {
		r.open = nil
	}
}
