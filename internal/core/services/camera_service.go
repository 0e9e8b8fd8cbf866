package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"
	"camstream/pkg/circuitbreaker"
	"camstream/pkg/retry"
	"camstream/pkg/tracing"

	"go.uber.org/zap"
)

// CameraMetrics is the part of the metrics collector the camera service
// reports to.
type CameraMetrics interface {
	RecordCapture(outcome string, duration time.Duration, size int)
	SetCameraAvailable(available bool)
	RecordFeedRestart(outcome string)
}

type CameraServiceConfig struct {
	Camera         domain.CameraConfig
	CaptureTimeout time.Duration
	StopPolicy     domain.StopPolicy
	StopOnIdle     bool
	MaxPhotos      int
	Retry          retry.Config
	Breaker        circuitbreaker.Config
	// Recovery restarts a feed that died under attached readers. Its
	// MaxAttempts also caps restarts in a row that never produced a frame.
	Recovery retry.Config
}

// DefaultCaptureRetry retries a failed still once, shortly after.
func DefaultCaptureRetry() retry.Config {
	return retry.Config{
		Enabled:         true,
		MaxAttempts:     2,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        time.Second,
		Multiplier:      2.0,
		RetryableErrors: []error{domain.ErrCaptureFailed},
	}
}

// DefaultFeedRecovery tries three times to bring a dead feed back.
func DefaultFeedRecovery() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,

		NonRetryableErrors: []error{domain.ErrDeviceUnavailable},
	}
}

type CameraOption func(*cameraService)

func WithCameraMetrics(m CameraMetrics) CameraOption {
	return func(s *cameraService) { s.metrics = m }
}

// WithCameraEvents announces captures and feed changes on p.
func WithCameraEvents(p ports.EventPublisher) CameraOption {
	return func(s *cameraService) { s.events = p }
}

func WithCameraClock(now func() time.Time) CameraOption {
	return func(s *cameraService) { s.now = now }
}

// cameraService coordinates stills and the live feed over one device.
// Everything that touches the handle runs under lock, a single-slot
// semaphore so waiting honours the caller's context.
type cameraService struct {
	cfg     CameraServiceConfig
	opener  ports.CameraOpener
	hub     ports.FrameHub
	store   ports.PhotoStore
	breaker *circuitbreaker.CircuitBreaker
	metrics CameraMetrics
	events  ports.EventPublisher
	logger  *zap.SugaredLogger
	now     func() time.Time

	lock   chan struct{}
	handle ports.CameraHandle

	stopPending atomic.Bool
	feedFailed  atomic.Bool
	feedGen     atomic.Uint64
	restarts    atomic.Int32
	info        atomic.Pointer[domain.ModuleDescriptor]

	mu          sync.Mutex
	lastErr     string
	captured    int64
	lastCapture time.Time
}

func NewCameraService(
	cfg CameraServiceConfig,
	opener ports.CameraOpener,
	hub ports.FrameHub,
	store ports.PhotoStore,
	logger *zap.SugaredLogger,
	opts ...CameraOption,
) ports.CameraService {
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 10 * time.Second
	}
	if cfg.StopPolicy == "" {
		cfg.StopPolicy = domain.StopDeferred
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultCaptureRetry()
	}
	if cfg.Recovery.MaxAttempts == 0 {
		cfg.Recovery = DefaultFeedRecovery()
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}

	s := &cameraService{
		cfg:    cfg,
		opener: opener,
		hub:    hub,
		store:  store,
		logger: logger,
		now:    time.Now,
		lock:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = circuitbreaker.New(cfg.Breaker).WithClock(s.now)
	s.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		s.logger.Warnw("capture circuit breaker changed state", "from", from.String(), "to", to.String())
		if s.metrics != nil {
			s.metrics.SetCameraAvailable(to != circuitbreaker.StateOpen)
		}
	})
	return s
}

func (s *cameraService) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *cameraService) release() {
	<-s.lock
}

func (s *cameraService) setLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastErr = ""
		return
	}
	s.lastErr = err.Error()
}

// ensureOpenLocked opens the device on first use. Caller holds the lock.
func (s *cameraService) ensureOpenLocked(ctx context.Context) (ports.CameraHandle, error) {
	if s.handle != nil {
		return s.handle, nil
	}

	h, err := s.opener.Open(ctx, s.cfg.Camera)
	if err != nil {
		s.setLastError(err)
		if s.metrics != nil {
			s.metrics.SetCameraAvailable(false)
		}
		return nil, err
	}

	info := h.Info()
	s.info.Store(&info)
	s.handle = h
	s.setLastError(nil)
	// Failures of a previous handle say nothing about this one.
	s.breaker.Reset()
	if s.metrics != nil {
		s.metrics.SetCameraAvailable(true)
	}
	s.logger.Infow("camera opened",
		"module", info.Class,
		"sensor", info.SensorResolution.String(),
		"buffer_count", info.BufferCount,
	)
	return h, nil
}

// Status does not wait behind a running capture longer than ctx allows;
// when the lock cannot be had it reports from the last known state.
func (s *cameraService) Status(ctx context.Context) domain.CameraStatus {
	status := domain.CameraStatus{Readers: s.hub.ReaderCount()}

	if err := s.acquire(ctx); err == nil {
		h, openErr := s.ensureOpenLocked(ctx)
		status.Available = openErr == nil
		if h != nil {
			status.Streaming = h.FeedRunning()
		}
		s.release()
	} else {
		status.Available = s.info.Load() != nil
		status.Streaming = s.hub.Stats().Live
	}

	if info := s.info.Load(); info != nil {
		status.Module = *info
		status.Resolution = info.SensorResolution.String()
		status.BufferCount = info.BufferCount
	}
	if s.breaker.Tripped() {
		status.Available = false
	}

	s.mu.Lock()
	status.LastError = s.lastErr
	s.mu.Unlock()
	return status
}

func (s *cameraService) Capture(ctx context.Context) (*domain.Photo, error) {
	start := s.now()
	ctx, span := tracing.TraceCamera(ctx, "capture")
	defer span.End()

	photo, err := s.capture(ctx)
	elapsed := s.now().Sub(start)
	tracing.MeasureDuration(ctx, start)

	if err != nil {
		tracing.RecordError(ctx, err)
		s.setLastError(err)
		if s.metrics != nil {
			s.metrics.RecordCapture("failure", elapsed, 0)
		}
		breaker := s.breaker.GetStats()
		s.logger.Warnw("capture failed",
			"error", err,
			"duration", elapsed,
			"breaker", s.breaker.GetState().String(),
			"consecutive_failures", breaker.FailureCount,
		)
		return nil, err
	}

	tracing.AddSpanAttributes(ctx, tracing.PhotoKey.String(photo.Filename), tracing.PhotoSizeKey.Int64(photo.Size))
	if s.metrics != nil {
		s.metrics.RecordCapture("success", elapsed, int(photo.Size))
	}
	s.logger.Infow("photo captured", "filename", photo.Filename, "size", photo.Size, "duration", elapsed)
	s.emit(&domain.CameraEvent{Type: domain.EventPhotoCaptured, Filename: photo.Filename, Size: photo.Size})
	return photo, nil
}

func (s *cameraService) capture(ctx context.Context) (*domain.Photo, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	h, err := s.ensureOpenLocked(ctx)
	if err != nil {
		return nil, err
	}

	data, err := s.captureStillLocked(ctx, h)
	if err != nil {
		return nil, err
	}

	// Once the still exists it is stored even if the client went away.
	ctx = context.WithoutCancel(ctx)
	capturedAt := s.now()
	photo, err := s.store.Save(ctx, capturedAt, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCaptureFailed, err)
	}

	s.mu.Lock()
	s.captured++
	s.lastCapture = capturedAt
	s.mu.Unlock()

	if s.cfg.MaxPhotos > 0 {
		if n, err := s.store.Prune(ctx, s.cfg.MaxPhotos); err != nil {
			s.logger.Warnw("failed to prune old photos", "error", err)
		} else if n > 0 {
			s.logger.Infow("pruned old photos", "removed", n, "max_photos", s.cfg.MaxPhotos)
		}
	}
	return photo, nil
}

// captureStillLocked takes the still on a context detached from the
// request, so a client hanging up cannot abandon the device mid-capture.
// Drivers that cannot capture alongside the feed get it paused; the hub
// stays live, paused, and readers just see a gap.
func (s *cameraService) captureStillLocked(ctx context.Context, h ports.CameraHandle) ([]byte, error) {
	hwCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CaptureTimeout)
	defer cancel()

	paused := false
	if !h.ConcurrentStill() && h.FeedRunning() {
		s.hub.Pause()
		if err := h.StopFeed(); err != nil {
			s.hub.Resume()
			return nil, fmt.Errorf("%w: pausing feed: %w", domain.ErrCaptureFailed, err)
		}
		paused = true
		defer func() {
			s.resumeFeedLocked(h)
			s.hub.Resume()
		}()
	}
	tracing.AddSpanAttributes(ctx, tracing.FeedPausedKey.Bool(paused))

	attempts := 0
	data, err := retry.Do(hwCtx, s.cfg.Retry, func() ([]byte, error) {
		attempts++
		return circuitbreaker.Call(hwCtx, s.breaker, func() ([]byte, error) {
			return h.CaptureStill(hwCtx)
		})
	})
	tracing.AddSpanAttributes(ctx, tracing.AttemptsKey.Int(attempts))

	if err != nil {
		if errors.Is(err, domain.ErrCaptureFailed) || errors.Is(err, domain.ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrCaptureFailed, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrCaptureFailed)
	}
	return data, nil
}

func (s *cameraService) resumeFeedLocked(h ports.CameraHandle) {
	if err := h.StartFeed(context.Background(), s.sink()); err != nil {
		s.logger.Errorw("failed to resume feed after capture", "error", err)
		s.setLastError(err)
		s.hub.EndGeneration(s.feedGen.Load())
	}
}

// sink is bound to the hub generation the feed serves.
func (s *cameraService) sink() ports.FrameSink {
	return hubSink{s: s, gen: s.feedGen.Load()}
}

// hubSink forwards feed output into the hub. FeedEnded runs on the feed
// goroutine and must not take the camera lock. A sink outliving its
// generation cannot end a newer one.
type hubSink struct {
	s   *cameraService
	gen uint64
}

func (k hubSink) Publish(data []byte) {
	if k.s.hub.Publish(data).Seq > 0 {
		k.s.restarts.Store(0)
	}
}

func (k hubSink) FeedEnded(err error) {
	s := k.s
	if stats := s.hub.Stats(); stats.Generation != k.gen || !stats.Live {
		s.logger.Debugw("ignoring end of a superseded feed", "generation", k.gen, "error", err)
		return
	}
	s.setLastError(err)

	if s.cfg.Recovery.Enabled && s.hub.ReaderCount() > 0 {
		s.hub.Pause()
		go s.recoverFeed(k.gen, err)
		return
	}
	s.feedFailed.Store(true)
	s.hub.EndGeneration(k.gen)
}

// recoverFeed restarts a feed that died under attached readers, keeping
// its generation so they carry on after a gap. It gives up and ends the
// generation once the restart budget is spent.
func (s *cameraService) recoverFeed(gen uint64, cause error) {
	s.lock <- struct{}{}
	defer s.release()
	defer s.hub.Resume()

	if stats := s.hub.Stats(); stats.Generation != gen || !stats.Live || s.handle == nil {
		return
	}
	h := s.handle
	if h.FeedRunning() {
		return
	}

	fail := func(err error) {
		s.logger.Errorw("live feed recovery failed", "error", err, "cause", cause)
		s.setLastError(err)
		s.feedFailed.Store(true)
		s.hub.EndGeneration(gen)
		if s.metrics != nil {
			s.metrics.RecordFeedRestart("failure")
		}
	}

	if n := int(s.restarts.Add(1)); n > s.cfg.Recovery.MaxAttempts {
		fail(fmt.Errorf("feed died %d times in a row without a frame: %w", n, cause))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CaptureTimeout)
	defer cancel()
	err := retry.Retry(ctx, s.cfg.Recovery, func() error {
		return h.StartFeed(ctx, s.sink())
	})
	if err != nil {
		fail(err)
		return
	}

	s.setLastError(nil)
	if s.metrics != nil {
		s.metrics.RecordFeedRestart("success")
	}
	s.logger.Warnw("live feed recovered", "cause", cause, "readers", s.hub.ReaderCount())
}

func (s *cameraService) CaptureStats(ctx context.Context) (domain.CaptureStats, error) {
	photos, err := s.store.List(ctx)
	if err != nil {
		return domain.CaptureStats{}, err
	}

	s.mu.Lock()
	stats := domain.CaptureStats{
		PhotosCaptured:  s.captured,
		PhotosStored:    len(photos),
		LastCaptureTime: s.lastCapture,
		MaxPhotos:       s.cfg.MaxPhotos,
	}
	s.mu.Unlock()

	for _, p := range photos {
		stats.TotalBytes += p.Size
	}
	return stats, nil
}

// OpenStream starts the feed if needed and attaches a reader. A new viewer
// cancels a pending deferred stop.
func (s *cameraService) OpenStream(ctx context.Context) (ports.FrameReader, error) {
	ctx, span := tracing.TraceCamera(ctx, "open_stream")
	defer span.End()

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	h, err := s.ensureOpenLocked(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	tracing.AddSpanAttributes(ctx,
		tracing.DriverKey.String(s.cfg.Camera.Driver),
		tracing.ModuleKey.String(string(h.Info().Class)),
	)

	if !h.FeedRunning() {
		if s.feedFailed.Swap(false) {
			s.logger.Warnw("restarting live feed after failure")
		}
		s.feedGen.Store(s.hub.Begin())
		s.restarts.Store(0)
		if err := h.StartFeed(ctx, s.sink()); err != nil {
			s.hub.End()
			s.setLastError(err)
			tracing.RecordError(ctx, err)
			return nil, err
		}
		s.logger.Infow("live feed started", "lores", fmt.Sprintf("%dx%d", h.Geometry().Lores.Width, h.Geometry().Lores.Height))
		s.emit(&domain.CameraEvent{Type: domain.EventFeedStarted})
	}
	s.stopPending.Store(false)

	reader := s.hub.Subscribe()
	tracing.AddSpanAttributes(ctx, tracing.ReadersKey.Int(s.hub.ReaderCount()))
	return reader, nil
}

func (s *cameraService) ReleaseStream(r ports.FrameReader) {
	s.hub.Unsubscribe(r)
	if s.hub.ReaderCount() > 0 {
		return
	}
	if !s.stopPending.Load() && !s.cfg.StopOnIdle {
		return
	}

	s.lock <- struct{}{}
	defer s.release()

	// A viewer may have attached while we waited.
	if s.hub.ReaderCount() == 0 && (s.stopPending.Load() || s.cfg.StopOnIdle) {
		s.stopFeedLocked()
		s.logger.Infow("live feed stopped after last reader left")
	}
}

func (s *cameraService) StopStream(ctx context.Context) (domain.StopResult, error) {
	if err := s.acquire(ctx); err != nil {
		return domain.StopResult{}, err
	}
	defer s.release()

	readers := s.hub.ReaderCount()
	result := domain.StopResult{Readers: readers, Policy: s.cfg.StopPolicy}

	if s.cfg.StopPolicy == domain.StopDeferred && readers > 0 {
		s.stopPending.Store(true)
		result.Pending = true
		s.logger.Infow("stream stop deferred until readers leave", "readers", readers)
		return result, nil
	}

	s.stopFeedLocked()
	result.Stopped = true
	s.logger.Infow("live feed stopped", "policy", s.cfg.StopPolicy, "readers", readers)
	return result, nil
}

// stopFeedLocked ends the feed and the hub generation. Caller holds the lock.
func (s *cameraService) stopFeedLocked() {
	wasLive := s.hub.Stats().Live
	if s.handle != nil {
		if err := s.handle.StopFeed(); err != nil {
			s.logger.Warnw("failed to stop feed", "error", err)
		}
	}
	readers := s.hub.ReaderCount()
	s.hub.End()
	s.stopPending.Store(false)
	if wasLive {
		s.emit(&domain.CameraEvent{Type: domain.EventFeedStopped, Readers: readers})
	}
}

// emit publishes off the caller's goroutine; the camera lock may be held.
func (s *cameraService) emit(event *domain.CameraEvent) {
	if s.events == nil {
		return
	}
	event.Timestamp = s.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.events.Publish(ctx, event); err != nil {
			s.logger.Debugw("failed to publish camera event", "type", event.Type, "error", err)
		}
	}()
}

func (s *cameraService) HubStats() domain.HubStats {
	return s.hub.Stats()
}

// Close stops the feed and releases the device.
func (s *cameraService) Close(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.stopFeedLocked()
	if s.handle == nil {
		return nil
	}
	err := s.handle.Close()
	s.handle = nil
	s.info.Store(nil)
	return err
}
