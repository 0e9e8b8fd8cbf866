package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"
	"camstream/internal/infrastructure/camera"
	"camstream/internal/infrastructure/storage"
	"camstream/internal/infrastructure/streaming"
	"camstream/pkg/circuitbreaker"
	"camstream/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type cameraFixture struct {
	svc    ports.CameraService
	driver *camera.SyntheticDriver
	hub    *streaming.Hub
	store  *storage.FileStore
}

type fixtureSetup struct {
	cfg     CameraServiceConfig
	driver  camera.SyntheticOptions
	hubOpts []streaming.Option
	logger  *zap.SugaredLogger
}

type fixtureOption func(*fixtureSetup)

func exclusive() fixtureOption {
	return func(f *fixtureSetup) { f.driver.Exclusive = true }
}

func withPolicy(p domain.StopPolicy) fixtureOption {
	return func(f *fixtureSetup) { f.cfg.StopPolicy = p }
}

func withRecovery(attempts int) fixtureOption {
	return func(f *fixtureSetup) {
		f.cfg.Recovery = retry.Config{Enabled: attempts > 0, MaxAttempts: max(attempts, 1), InitialDelay: time.Millisecond}
	}
}

func withStallTimeout(d time.Duration) fixtureOption {
	return func(f *fixtureSetup) { f.hubOpts = append(f.hubOpts, streaming.WithStallTimeout(d)) }
}

func withLogger(l *zap.Logger) fixtureOption {
	return func(f *fixtureSetup) { f.logger = l.Sugar() }
}

func newCameraFixture(t *testing.T, opts ...fixtureOption) *cameraFixture {
	t.Helper()
	return newCameraFixtureWith(t, nil, opts...)
}

func newCameraFixtureWith(t *testing.T, svcOpts []CameraOption, opts ...fixtureOption) *cameraFixture {
	t.Helper()

	cfg := CameraServiceConfig{
		Camera: domain.CameraConfig{
			Driver:              "synthetic",
			AutoDetect:          true,
			Fallback:            domain.Resolution{Width: 320, Height: 240},
			Stream:              domain.Resolution{Width: 160, Height: 120},
			MainFormat:          domain.FormatRGB888,
			LoresFormat:         domain.FormatYUV420,
			FallbackBufferCount: 2,
			JPEGQuality:         70,
		},
		CaptureTimeout: 2 * time.Second,
		MaxPhotos:      10,
		Retry: retry.Config{
			Enabled:         true,
			MaxAttempts:     2,
			InitialDelay:    time.Millisecond,
			RetryableErrors: []error{domain.ErrCaptureFailed},
		},
	}
	setup := &fixtureSetup{
		cfg: cfg,
		driver: camera.SyntheticOptions{
			Sensor:        domain.Resolution{Width: 320, Height: 240},
			FrameInterval: 5 * time.Millisecond,
		},
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(setup)
	}
	logger := setup.logger

	driver := camera.NewSyntheticDriver(setup.driver)
	registry := camera.NewRegistry(func(domain.CameraConfig) (camera.Driver, error) { return driver, nil }, logger)
	hub := streaming.NewHub(logger, setup.hubOpts...)
	store, err := storage.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)

	svc := NewCameraService(setup.cfg, registry, hub, store, logger, svcOpts...)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	return &cameraFixture{svc: svc, driver: driver, hub: hub, store: store}
}

func nextFrame(t *testing.T, r ports.FrameReader) domain.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := r.Next(ctx)
	require.NoError(t, err)
	return f
}

func TestCameraService_CaptureDuringFeedKeepsReadersReceiving(t *testing.T) {
	fx := newCameraFixture(t)
	ctx := context.Background()

	first, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	defer fx.svc.ReleaseStream(first)
	second, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	defer fx.svc.ReleaseStream(second)

	before := nextFrame(t, second)

	photo, err := fx.svc.Capture(ctx)
	require.NoError(t, err)
	assert.Regexp(t, `^photo_\d{8}_\d{6}(_\d+)?\.jpg$`, photo.Filename)
	assert.Positive(t, photo.Size)

	after := nextFrame(t, second)
	assert.Greater(t, after.Seq, before.Seq)
	nextFrame(t, first)
	assert.True(t, fx.hub.Stats().Live)
}

func TestCameraService_ExclusiveDriverPausesFeedForStill(t *testing.T) {
	fx := newCameraFixture(t, exclusive())
	ctx := context.Background()

	reader, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	defer fx.svc.ReleaseStream(reader)
	before := nextFrame(t, reader)

	_, err = fx.svc.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.driver.Stills())

	// Same generation: the reader sees a gap, not an end.
	after := nextFrame(t, reader)
	assert.Greater(t, after.Seq, before.Seq)
	assert.True(t, fx.svc.Status(ctx).Streaming)
}

func TestCameraService_ExclusiveCaptureLongerThanStallKeepsReaders(t *testing.T) {
	fx := newCameraFixture(t, exclusive(), withStallTimeout(40*time.Millisecond), func(f *fixtureSetup) {
		f.driver.CaptureDelay = 150 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	defer fx.svc.ReleaseStream(reader)
	nextFrame(t, reader)

	ended := make(chan error, 1)
	go func() {
		for {
			if _, err := reader.Next(ctx); err != nil {
				ended <- err
				return
			}
		}
	}()

	_, err = fx.svc.Capture(context.Background())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-ended:
		assert.ErrorIs(t, err, context.Canceled, "reader must not stall out during the still")
	case <-time.After(time.Second):
		t.Fatal("reader did not return")
	}
	assert.True(t, fx.hub.Stats().Live)
}

func TestCameraService_CaptureRetriesOnce(t *testing.T) {
	fx := newCameraFixture(t)
	fx.driver.FailCaptures(1)

	photo, err := fx.svc.Capture(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, photo.Filename)
	assert.Equal(t, 1, fx.driver.Stills())
}

func TestCameraService_CaptureFailsAfterRetry(t *testing.T) {
	fx := newCameraFixture(t)
	fx.driver.FailCaptures(2)

	_, err := fx.svc.Capture(context.Background())
	assert.ErrorIs(t, err, domain.ErrCaptureFailed)

	photos, err := fx.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, photos)
}

func TestCameraService_OpenBreakerMarksUnavailable(t *testing.T) {
	fx := newCameraFixture(t, func(f *fixtureSetup) {
		f.cfg.Breaker = circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}
	})
	ctx := context.Background()
	require.True(t, fx.svc.Status(ctx).Available)

	fx.driver.FailCaptures(2)
	_, err := fx.svc.Capture(ctx)
	require.ErrorIs(t, err, domain.ErrCaptureFailed)

	status := fx.svc.Status(ctx)
	assert.False(t, status.Available)
	assert.NotEmpty(t, status.LastError)

	_, err = fx.svc.Capture(ctx)
	assert.ErrorIs(t, err, domain.ErrCaptureFailed)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	// A reopened device starts with a closed breaker.
	require.NoError(t, fx.svc.Close(ctx))
	assert.True(t, fx.svc.Status(ctx).Available)
}

func TestCameraService_CaptureSurvivesCancelledRequest(t *testing.T) {
	fx := newCameraFixture(t, func(f *fixtureSetup) {
		f.driver.CaptureDelay = 50 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	photo, err := fx.svc.Capture(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, photo.Filename)
}

func TestCameraService_StatusReportsModule(t *testing.T) {
	fx := newCameraFixture(t)

	status := fx.svc.Status(context.Background())
	assert.True(t, status.Available)
	assert.False(t, status.Streaming)
	assert.Equal(t, domain.ModuleSynthetic, status.Module.Class)
	assert.Equal(t, "320x240", status.Resolution)
}

func TestCameraService_OpenFailureIsUnavailable(t *testing.T) {
	fx := newCameraFixture(t)
	fx.driver.FailProbe(errors.New("no sensor"))
	ctx := context.Background()

	_, err := fx.svc.OpenStream(ctx)
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)
	assert.False(t, fx.svc.Status(ctx).Available)

	_, err = fx.svc.Capture(ctx)
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)
}

func TestCameraService_DeferredStopWaitsForLastReader(t *testing.T) {
	fx := newCameraFixture(t)
	ctx := context.Background()

	reader, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	nextFrame(t, reader)

	result, err := fx.svc.StopStream(ctx)
	require.NoError(t, err)
	assert.False(t, result.Stopped)
	assert.True(t, result.Pending)
	assert.Equal(t, 1, result.Readers)
	assert.Equal(t, domain.StopDeferred, result.Policy)

	nextFrame(t, reader)

	fx.svc.ReleaseStream(reader)
	assert.False(t, fx.hub.Stats().Live)
	assert.False(t, fx.svc.Status(ctx).Streaming)
}

func TestCameraService_DeferredStopWithoutReadersStopsNow(t *testing.T) {
	fx := newCameraFixture(t)
	ctx := context.Background()

	reader, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	fx.svc.ReleaseStream(reader)
	assert.True(t, fx.hub.Stats().Live, "without stop_on_idle the feed keeps running")

	result, err := fx.svc.StopStream(ctx)
	require.NoError(t, err)
	assert.True(t, result.Stopped)
	assert.False(t, fx.hub.Stats().Live)
}

func TestCameraService_ImmediateStopEndsReaders(t *testing.T) {
	fx := newCameraFixture(t, withPolicy(domain.StopImmediate))
	ctx := context.Background()

	reader, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	defer fx.svc.ReleaseStream(reader)
	nextFrame(t, reader)

	result, err := fx.svc.StopStream(ctx)
	require.NoError(t, err)
	assert.True(t, result.Stopped)
	assert.Equal(t, 1, result.Readers)

	_, err = reader.Next(ctx)
	assert.ErrorIs(t, err, domain.ErrStreamEnded)
}

func TestCameraService_StopOnIdle(t *testing.T) {
	fx := newCameraFixture(t, func(f *fixtureSetup) { f.cfg.StopOnIdle = true })
	ctx := context.Background()

	reader, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	nextFrame(t, reader)

	fx.svc.ReleaseStream(reader)
	assert.False(t, fx.hub.Stats().Live)
}

func TestCameraService_FeedFailureEndsReadersAndRestarts(t *testing.T) {
	fx := newCameraFixture(t, withRecovery(0))
	ctx := context.Background()

	reader, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	nextFrame(t, reader)

	fx.driver.BreakFeed(errors.New("encoder died"))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for {
		_, err = reader.Next(waitCtx)
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, domain.ErrStreamEnded)
	fx.svc.ReleaseStream(reader)

	again, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	defer fx.svc.ReleaseStream(again)
	nextFrame(t, again)
}

type feedMetrics struct {
	mu       sync.Mutex
	restarts map[string]int
}

func (m *feedMetrics) RecordCapture(string, time.Duration, int) {}
func (m *feedMetrics) SetCameraAvailable(bool)                  {}

func (m *feedMetrics) RecordFeedRestart(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restarts == nil {
		m.restarts = make(map[string]int)
	}
	m.restarts[outcome]++
}

func (m *feedMetrics) count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts[outcome]
}

func TestCameraService_FeedRecoversUnderReaders(t *testing.T) {
	metrics := &feedMetrics{}
	fx := newCameraFixtureWith(t, []CameraOption{WithCameraMetrics(metrics)}, withRecovery(2))
	ctx := context.Background()

	reader, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	defer fx.svc.ReleaseStream(reader)
	nextFrame(t, reader)
	gen := fx.hub.Stats().Generation

	fx.driver.BreakFeed(errors.New("encoder died"))
	require.Eventually(t, func() bool { return metrics.count("success") == 1 }, 2*time.Second, 5*time.Millisecond)

	// The reader stays on its generation and gets frames from the new feed.
	restartedAt := fx.hub.Stats().LastSeq
	f := nextFrame(t, reader)
	if f.Seq <= restartedAt {
		f = nextFrame(t, reader)
	}
	assert.Greater(t, f.Seq, restartedAt)

	stats := fx.hub.Stats()
	assert.Equal(t, gen, stats.Generation)
	assert.True(t, stats.Live)
	assert.True(t, fx.svc.Status(ctx).Streaming)
	assert.Zero(t, metrics.count("failure"))
}

func TestCameraService_FeedRecoveryGivesUpWithoutFrames(t *testing.T) {
	metrics := &feedMetrics{}
	fx := newCameraFixtureWith(t, []CameraOption{WithCameraMetrics(metrics)}, withRecovery(1), func(f *fixtureSetup) {
		f.driver.FrameInterval = time.Hour
	})
	ctx := context.Background()

	reader, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	defer fx.svc.ReleaseStream(reader)

	fx.driver.BreakFeed(errors.New("encoder died"))
	require.Eventually(t, func() bool { return metrics.count("success") == 1 }, 2*time.Second, 5*time.Millisecond)

	fx.driver.BreakFeed(errors.New("encoder died again"))
	require.Eventually(t, func() bool { return metrics.count("failure") == 1 }, 2*time.Second, 5*time.Millisecond)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = reader.Next(waitCtx)
	assert.ErrorIs(t, err, domain.ErrStreamEnded)
	assert.False(t, fx.hub.Stats().Live)
	assert.NotEmpty(t, fx.svc.Status(ctx).LastError)
}

func TestCameraService_LateFeedEndLeavesRestartedFeedRunning(t *testing.T) {
	parked := make(chan struct{})
	resume := make(chan struct{})
	var once sync.Once
	core, _ := observer.New(zapcore.DebugLevel)
	logger := zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "camera feed ended" {
			once.Do(func() {
				close(parked)
				select {
				case <-resume:
				case <-time.After(2 * time.Second):
				}
			})
		}
		return nil
	}))
	fx := newCameraFixture(t, withLogger(logger))
	ctx := context.Background()

	reader, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	nextFrame(t, reader)
	fx.svc.ReleaseStream(reader)

	// Hold the dying feed between marking itself stopped and reporting it.
	fx.driver.BreakFeed(errors.New("encoder died"))
	select {
	case <-parked:
	case <-time.After(time.Second):
		t.Fatal("feed did not end")
	}

	again, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	defer fx.svc.ReleaseStream(again)
	gen := fx.hub.Stats().Generation

	close(resume)
	assert.Never(t, func() bool { return !fx.hub.Stats().Live }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, gen, fx.hub.Stats().Generation)
	nextFrame(t, again)
}

func TestCameraService_PrunesBeyondMaxPhotos(t *testing.T) {
	fx := newCameraFixture(t, func(f *fixtureSetup) { f.cfg.MaxPhotos = 2 })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := fx.svc.Capture(ctx)
		require.NoError(t, err)
	}

	stats, err := fx.svc.CaptureStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.PhotosCaptured)
	assert.Equal(t, 2, stats.PhotosStored)
	assert.Equal(t, 2, stats.MaxPhotos)
	assert.Positive(t, stats.TotalBytes)
	assert.False(t, stats.LastCaptureTime.IsZero())
}

func TestCameraService_ConcurrentCapturesSerialize(t *testing.T) {
	fx := newCameraFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.svc.Capture(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 4, fx.driver.Stills())
}

type recordingPublisher struct {
	events chan *domain.CameraEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e *domain.CameraEvent) error {
	p.events <- e
	return nil
}

func (p *recordingPublisher) next(t *testing.T) *domain.CameraEvent {
	t.Helper()
	select {
	case e := <-p.events:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return nil
	}
}

func TestCameraService_PublishesEvents(t *testing.T) {
	pub := &recordingPublisher{events: make(chan *domain.CameraEvent, 8)}
	fx := newCameraFixtureWith(t, []CameraOption{WithCameraEvents(pub)})
	ctx := context.Background()

	reader, err := fx.svc.OpenStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.EventFeedStarted, pub.next(t).Type)

	photo, err := fx.svc.Capture(ctx)
	require.NoError(t, err)
	captured := pub.next(t)
	assert.Equal(t, domain.EventPhotoCaptured, captured.Type)
	assert.Equal(t, photo.Filename, captured.Filename)
	assert.Equal(t, photo.Size, captured.Size)
	assert.False(t, captured.Timestamp.IsZero())

	fx.svc.ReleaseStream(reader)
	_, err = fx.svc.StopStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.EventFeedStopped, pub.next(t).Type)
}
