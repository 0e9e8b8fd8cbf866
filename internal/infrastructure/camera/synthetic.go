package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"camstream/internal/core/domain"
)

// SyntheticOptions tunes the synthetic driver. Zero values pick defaults.
type SyntheticOptions struct {
	Sensor        domain.Resolution
	FrameInterval time.Duration
	// Exclusive makes stills fail while the feed runs, like a V4L2 device.
	Exclusive    bool
	CaptureDelay time.Duration
}

// SyntheticDriver renders a moving test pattern. It stands in for the
// sensor when no hardware is attached and supports fault injection.
type SyntheticDriver struct {
	opts SyntheticOptions

	mu           sync.Mutex
	geo          domain.StreamGeometry
	quality      int
	interval     time.Duration
	encoding     bool
	probeErr     error
	failCaptures int
	failFeed     chan error
	stills       int
	frames       uint64
	closed       bool
}

func NewSyntheticDriver(opts SyntheticOptions) *SyntheticDriver {
	if opts.Sensor.IsZero() {
		opts.Sensor = domain.Resolution{Width: 1920, Height: 1080}
	}
	d := &SyntheticDriver{
		opts:     opts,
		interval: opts.FrameInterval,
		quality:  85,
		failFeed: make(chan error, 1),
	}
	if d.interval <= 0 {
		d.interval = 66 * time.Millisecond
	}
	return d
}

func (d *SyntheticDriver) Name() string                    { return "synthetic" }
func (d *SyntheticDriver) ModuleClass() domain.ModuleClass { return domain.ModuleSynthetic }
func (d *SyntheticDriver) ConcurrentStill() bool           { return !d.opts.Exclusive }

// FailProbe makes the next Probe return err.
func (d *SyntheticDriver) FailProbe(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probeErr = err
}

// FailCaptures makes the next n stills fail with ErrCaptureFailed.
func (d *SyntheticDriver) FailCaptures(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCaptures = n
}

// BreakFeed ends a running feed as if the source failed.
func (d *SyntheticDriver) BreakFeed(err error) {
	select {
	case d.failFeed <- err:
	default:
	}
}

func (d *SyntheticDriver) Stills() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stills
}

func (d *SyntheticDriver) Probe(ctx context.Context) (domain.Resolution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.probeErr != nil {
		return domain.Resolution{}, d.probeErr
	}
	return d.opts.Sensor, nil
}

func (d *SyntheticDriver) Configure(geo domain.StreamGeometry, cfg domain.CameraConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.geo = geo
	if cfg.JPEGQuality > 0 {
		d.quality = cfg.JPEGQuality
	}
	if cfg.FrameRate > 0 && d.opts.FrameInterval <= 0 {
		d.interval = time.Second / time.Duration(cfg.FrameRate)
	}
	return nil
}

func (d *SyntheticDriver) CaptureStill(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, domain.ErrDeviceUnavailable
	}
	if d.opts.Exclusive && d.encoding {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: device in use by feed", domain.ErrCaptureFailed)
	}
	if d.failCaptures > 0 {
		d.failCaptures--
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: injected fault", domain.ErrCaptureFailed)
	}
	geo, quality := d.geo.Main, d.quality
	d.mu.Unlock()

	if d.opts.CaptureDelay > 0 {
		select {
		case <-time.After(d.opts.CaptureDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrCaptureFailed, ctx.Err())
		}
	}

	data, err := renderPattern(geo.Width, geo.Height, 0, quality)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCaptureFailed, err)
	}

	d.mu.Lock()
	d.stills++
	d.mu.Unlock()
	return data, nil
}

func (d *SyntheticDriver) StartEncoder(ctx context.Context, emit func([]byte)) (func() error, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, domain.ErrDeviceUnavailable
	}
	d.encoding = true
	geo, quality, interval := d.geo.Lores, d.quality, d.interval
	d.mu.Unlock()

	// Drop a fault queued while no feed was running.
	select {
	case <-d.failFeed:
	default:
	}

	wait := func() error {
		defer func() {
			d.mu.Lock()
			d.encoding = false
			d.mu.Unlock()
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-d.failFeed:
				if err == nil {
					err = errors.New("synthetic feed broken")
				}
				return err
			case <-ticker.C:
				d.mu.Lock()
				d.frames++
				n := d.frames
				d.mu.Unlock()

				frame, err := renderPattern(geo.Width, geo.Height, n, quality)
				if err != nil {
					return err
				}
				emit(frame)
			}
		}
	}
	return wait, nil
}

func (d *SyntheticDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// renderPattern draws colour bars with a bar sweeping across by frame number.
func renderPattern(width, height int, frame uint64, quality int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	bars := []color.RGBA{
		{255, 255, 255, 255}, {255, 255, 0, 255}, {0, 255, 255, 255}, {0, 255, 0, 255},
		{255, 0, 255, 255}, {255, 0, 0, 255}, {0, 0, 255, 255},
	}
	barWidth := width/len(bars) + 1
	sweep := int(frame*8) % width

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := bars[x/barWidth]
			if x >= sweep && x < sweep+8 {
				c = color.RGBA{0, 0, 0, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
