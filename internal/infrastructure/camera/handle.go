package camera

import (
	"context"
	"errors"
	"sync"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"

	"go.uber.org/zap"
)

type handle struct {
	driver   Driver
	info     domain.ModuleDescriptor
	geo      domain.StreamGeometry
	lease    Lease
	registry *Registry
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	running  bool
	stopping bool
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

func (h *handle) Info() domain.ModuleDescriptor   { return h.info }
func (h *handle) Geometry() domain.StreamGeometry { return h.geo }
func (h *handle) ConcurrentStill() bool           { return h.driver.ConcurrentStill() }

func (h *handle) CaptureStill(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, domain.ErrDeviceUnavailable
	}
	return h.driver.CaptureStill(ctx)
}

// StartFeed is a no-op when the feed already runs. The feed outlives ctx;
// only StopFeed or Close end it.
func (h *handle) StartFeed(ctx context.Context, sink ports.FrameSink) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return domain.ErrDeviceUnavailable
	}
	if h.running {
		return nil
	}

	feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wait, err := h.driver.StartEncoder(feedCtx, sink.Publish)
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	h.running = true
	h.stopping = false
	h.cancel = cancel
	h.done = done

	go func() {
		defer close(done)
		err := wait()
		cancel()

		h.mu.Lock()
		requested := h.stopping
		h.running = false
		h.mu.Unlock()

		if requested {
			return
		}
		if err == nil {
			err = errors.New("feed stopped unexpectedly")
		}
		h.logger.Warnw("camera feed ended", "driver", h.driver.Name(), "error", err)
		sink.FeedEnded(err)
	}()
	return nil
}

// StopFeed is a no-op when no feed runs. It returns once the encoder exited.
func (h *handle) StopFeed() error {
	h.mu.Lock()
	if !h.running || h.cancel == nil {
		h.mu.Unlock()
		return nil
	}
	h.stopping = true
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (h *handle) FeedRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Close releases the device. Safe to call more than once.
func (h *handle) Close() error {
	if err := h.StopFeed(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	err := h.driver.Close()
	if h.lease != nil {
		if lerr := h.lease.Release(context.Background()); lerr != nil {
			h.logger.Warnw("failed to release device lease", "error", lerr)
		}
	}
	if h.registry != nil {
		h.registry.release(h)
	}
	h.logger.Infow("camera closed", "driver", h.driver.Name())
	return err
}
