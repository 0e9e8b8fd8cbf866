package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"camstream/internal/core/domain"
	"camstream/pkg/optimize"

	"go.uber.org/zap"
)

const (
	readBufferSize = 1 << 20
	maxFrameSize   = 8 << 20
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}

	discreteSizeRe = regexp.MustCompile(`Size:\s+Discrete\s+(\d+)x(\d+)`)
)

// FFmpegDriver drives a V4L2 device through ffmpeg subprocesses. The device
// cannot be opened twice, so a still needs the feed stopped first.
type FFmpegDriver struct {
	device   string
	ffmpeg   string
	v4l2ctl  string
	geo      domain.StreamGeometry
	cfg      domain.CameraConfig
	buffers  *optimize.BytePool
	logger   *zap.SugaredLogger
	stderrMu sync.Mutex
	lastErr  string
}

func NewFFmpegDriver(device string, logger *zap.SugaredLogger) *FFmpegDriver {
	return &FFmpegDriver{
		device:  device,
		ffmpeg:  "ffmpeg",
		v4l2ctl: "v4l2-ctl",
		buffers: optimize.NewBytePool(readBufferSize),
		logger:  logger,
	}
}

func (d *FFmpegDriver) Name() string          { return "ffmpeg" }
func (d *FFmpegDriver) ConcurrentStill() bool { return false }

func (d *FFmpegDriver) Probe(ctx context.Context) (domain.Resolution, error) {
	if _, err := os.Stat(d.device); err != nil {
		return domain.Resolution{}, fmt.Errorf("device %s: %w", d.device, err)
	}
	if _, err := exec.LookPath(d.ffmpeg); err != nil {
		return domain.Resolution{}, fmt.Errorf("ffmpeg not found: %w", err)
	}

	out, err := exec.CommandContext(ctx, d.v4l2ctl, "--device", d.device, "--list-formats-ext").Output()
	if err != nil {
		d.logger.Warnw("v4l2-ctl probe failed, sensor size unknown", "device", d.device, "error", err)
		return domain.Resolution{}, nil
	}
	return largestDiscreteSize(string(out)), nil
}

// largestDiscreteSize picks the biggest frame size listed by
// `v4l2-ctl --list-formats-ext`.
func largestDiscreteSize(listing string) domain.Resolution {
	var best domain.Resolution
	for _, m := range discreteSizeRe.FindAllStringSubmatch(listing, -1) {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		if w*h > best.Width*best.Height {
			best = domain.Resolution{Width: w, Height: h}
		}
	}
	return best
}

func (d *FFmpegDriver) Configure(geo domain.StreamGeometry, cfg domain.CameraConfig) error {
	if geo.Lores.Width <= 0 || geo.Lores.Height <= 0 {
		return fmt.Errorf("invalid stream size %dx%d", geo.Lores.Width, geo.Lores.Height)
	}
	d.geo = geo
	d.cfg = cfg
	return nil
}

func (d *FFmpegDriver) inputArgs(width, height int) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}
	if width > 0 && height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", width, height))
	}
	return args
}

func (d *FFmpegDriver) filterArgs() []string {
	var filters []string
	if d.cfg.HFlip {
		filters = append(filters, "hflip")
	}
	if d.cfg.VFlip {
		filters = append(filters, "vflip")
	}
	if len(filters) == 0 {
		return nil
	}
	return []string{"-vf", strings.Join(filters, ",")}
}

// qscale maps a 1..100 JPEG quality onto ffmpeg's 2..31 scale, lower is better.
func qscale(quality int) string {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return strconv.Itoa(2 + (100-quality)*29/99)
}

func (d *FFmpegDriver) CaptureStill(ctx context.Context) ([]byte, error) {
	args := d.inputArgs(d.geo.Main.Width, d.geo.Main.Height)
	args = append(args, "-i", d.device, "-vframes", "1")
	args = append(args, d.filterArgs()...)
	args = append(args, "-f", "image2", "-c:v", "mjpeg", "-q:v", qscale(d.cfg.JPEGQuality), "-")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.ffmpeg, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: %v (%s)", domain.ErrCaptureFailed, err, strings.TrimSpace(stderr.String()))
	}
	data := stdout.Bytes()
	if !bytes.HasPrefix(data, jpegSOI) {
		return nil, fmt.Errorf("%w: ffmpeg returned %d bytes without a JPEG header", domain.ErrCaptureFailed, len(data))
	}
	return data, nil
}

func (d *FFmpegDriver) StartEncoder(ctx context.Context, emit func([]byte)) (func() error, error) {
	args := d.inputArgs(d.geo.Lores.Width, d.geo.Lores.Height)
	if d.cfg.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(d.cfg.FrameRate))
	}
	args = append(args, "-i", d.device)
	args = append(args, d.filterArgs()...)
	args = append(args, "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", qscale(d.cfg.JPEGQuality), "-")

	cmd := exec.CommandContext(ctx, d.ffmpeg, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", domain.ErrDeviceUnavailable, err)
	}

	go d.drainStderr(stderr)

	wait := func() error {
		readErr := d.readFrames(stdout, emit)
		waitErr := cmd.Wait()
		if ctx.Err() != nil {
			return nil
		}
		if readErr != nil {
			return readErr
		}
		if waitErr != nil {
			return fmt.Errorf("ffmpeg exited: %w (%s)", waitErr, d.lastStderr())
		}
		return nil
	}
	return wait, nil
}

func (d *FFmpegDriver) readFrames(r io.Reader, emit func([]byte)) error {
	buf := d.buffers.Get()
	defer d.buffers.Put(buf)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(buf[:0], maxFrameSize)
	scanner.Split(SplitJPEG)

	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())
		emit(frame)
	}
	return scanner.Err()
}

func (d *FFmpegDriver) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		d.stderrMu.Lock()
		d.lastErr = line
		d.stderrMu.Unlock()
		d.logger.Debugw("ffmpeg", "device", d.device, "line", line)
	}
}

func (d *FFmpegDriver) lastStderr() string {
	d.stderrMu.Lock()
	defer d.stderrMu.Unlock()
	return d.lastErr
}

func (d *FFmpegDriver) Close() error { return nil }

// SplitJPEG is a bufio.SplitFunc yielding complete JPEG images from a
// concatenated stream, discarding bytes outside SOI..EOI.
func SplitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF, it may begin the next marker.
		if n := len(data); n > 1 {
			return n - 1, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}
