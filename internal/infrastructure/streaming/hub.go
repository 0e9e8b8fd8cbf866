package streaming

import (
	"context"
	"sync"
	"time"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"

	"go.uber.org/zap"
)

// Hub fans the live feed out to any number of readers. It holds only the
// latest frame; readers that fall behind skip straight to it.
//
// Each publish closes the current notify channel and installs a fresh one,
// so every waiting reader wakes at once and can also select on its own
// context.
type Hub struct {
	mu     sync.Mutex
	frame  *domain.Frame
	seq    uint64
	gen    uint64
	live   bool
	notify chan struct{}

	// paused counts holders that expect a gap in the feed; readers do
	// not stall out while it is non-zero or for a stall window after.
	paused    int
	resumedAt time.Time

	readers map[uint64]*Reader
	nextID  uint64

	published uint64
	skipped   uint64

	stallTimeout time.Duration
	metrics      MetricsRecorder
	logger       *zap.SugaredLogger
}

// MetricsRecorder is the subset of the collector the hub reports to.
type MetricsRecorder interface {
	RecordFramePublished(size int)
	SetStreamReaders(n int)
	RecordFramesSkipped(n uint64)
}

type Option func(*Hub)

// WithStallTimeout makes Next give up with ErrStreamEnded when no frame
// arrives within d. Zero disables it.
func WithStallTimeout(d time.Duration) Option {
	return func(h *Hub) { h.stallTimeout = d }
}

func WithMetrics(m MetricsRecorder) Option {
	return func(h *Hub) { h.metrics = m }
}

func NewHub(logger *zap.SugaredLogger, opts ...Option) *Hub {
	h := &Hub{
		notify:  make(chan struct{}),
		readers: make(map[uint64]*Reader),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Begin starts a new feed generation and returns it. Readers attached to
// an earlier generation see the end of their stream.
func (h *Hub) Begin() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.gen++
	h.live = true
	h.frame = nil
	h.paused = 0
	h.resumedAt = time.Time{}
	h.wakeLocked()
	h.logger.Debugw("hub generation started", "generation", h.gen)
	return h.gen
}

// Publish replaces the held frame and wakes all readers. It never waits
// on a reader. Frames published while no generation is live are dropped.
func (h *Hub) Publish(data []byte) domain.Frame {
	h.mu.Lock()
	if !h.live {
		h.mu.Unlock()
		return domain.Frame{}
	}
	h.seq++
	f := &domain.Frame{Seq: h.seq, Data: data, CapturedAt: time.Now()}
	h.frame = f
	h.published++
	h.wakeLocked()
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordFramePublished(len(data))
	}
	return *f
}

// End marks the current generation finished.
func (h *Hub) End() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endLocked()
}

// EndGeneration ends gen only if it is still the current generation. It
// reports whether it did.
func (h *Hub) EndGeneration(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen || !h.live {
		return false
	}
	h.endLocked()
	return true
}

func (h *Hub) endLocked() {
	if !h.live {
		return
	}
	h.live = false
	h.frame = nil
	h.paused = 0
	h.wakeLocked()
	h.logger.Debugw("hub generation ended", "generation", h.gen, "readers", len(h.readers))
}

// Pause tells readers a gap in the feed is expected. Until the matching
// Resume, and for one stall timeout after it, Next does not give up on
// a quiet feed.
func (h *Hub) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused++
}

func (h *Hub) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused == 0 {
		return
	}
	h.paused--
	if h.paused == 0 {
		h.resumedAt = time.Now()
	}
}

// stallGraceLocked is how much longer a reader whose stall timer fired
// should keep waiting. Zero means the feed really stalled.
func (h *Hub) stallGraceLocked() time.Duration {
	if h.paused > 0 {
		return h.stallTimeout
	}
	if h.resumedAt.IsZero() {
		return 0
	}
	return h.stallTimeout - time.Since(h.resumedAt)
}

func (h *Hub) wakeLocked() {
	close(h.notify)
	h.notify = make(chan struct{})
}

func (h *Hub) Subscribe() ports.FrameReader {
	return h.Attach()
}

// Attach registers a reader bound to the current generation.
func (h *Hub) Attach() *Reader {
	h.mu.Lock()
	h.nextID++
	r := &Reader{id: h.nextID, hub: h, gen: h.gen}
	h.readers[r.id] = r
	n := len(h.readers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetStreamReaders(n)
	}
	return r
}

// Unsubscribe removes a reader. It is safe to call more than once and for
// readers that never received a frame.
func (h *Hub) Unsubscribe(fr ports.FrameReader) {
	r, ok := fr.(*Reader)
	if !ok || r == nil || r.hub != h {
		return
	}
	h.mu.Lock()
	if _, exists := h.readers[r.id]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.readers, r.id)
	r.closed = true
	n := len(h.readers)
	h.wakeLocked()
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetStreamReaders(n)
	}
}

func (h *Hub) ReaderCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.readers)
}

func (h *Hub) Stats() domain.HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := domain.HubStats{
		Generation:      h.gen,
		Live:            h.live,
		Readers:         len(h.readers),
		FramesPublished: h.published,
		FramesSkipped:   h.skipped,
		LastSeq:         h.seq,
	}
	if h.frame != nil {
		stats.LastFrameAt = h.frame.CapturedAt
	}
	return stats
}

// Reader is one consumer of the hub. A Reader must be used from a single
// goroutine.
type Reader struct {
	id      uint64
	hub     *Hub
	gen     uint64
	lastSeq uint64
	closed  bool
}

// Next blocks until a frame newer than the last one returned is available.
// It returns ErrStreamEnded once the feed generation is over, the reader
// was unsubscribed, or the feed stalled outside a pause; and ctx.Err() on
// cancellation.
func (r *Reader) Next(ctx context.Context) (domain.Frame, error) {
	h := r.hub

	var timer *time.Timer
	var stall <-chan time.Time
	if h.stallTimeout > 0 {
		timer = time.NewTimer(h.stallTimeout)
		defer timer.Stop()
		stall = timer.C
	}

	for {
		h.mu.Lock()
		if r.closed || h.gen != r.gen || !h.live {
			h.mu.Unlock()
			return domain.Frame{}, domain.ErrStreamEnded
		}
		if f := h.frame; f != nil && f.Seq > r.lastSeq {
			var skipped uint64
			if r.lastSeq > 0 {
				skipped = f.Seq - r.lastSeq - 1
				h.skipped += skipped
			}
			r.lastSeq = f.Seq
			frame := *f
			h.mu.Unlock()

			if skipped > 0 && h.metrics != nil {
				h.metrics.RecordFramesSkipped(skipped)
			}
			return frame, nil
		}
		wait := h.notify
		h.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return domain.Frame{}, ctx.Err()
		case <-stall:
			h.mu.Lock()
			grace := h.stallGraceLocked()
			h.mu.Unlock()
			if grace <= 0 {
				return domain.Frame{}, domain.ErrStreamEnded
			}
			timer.Reset(grace)
		}
	}
}

// LastSeq is the seq of the last frame Next returned, 0 before the first.
func (r *Reader) LastSeq() uint64 {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	return r.lastSeq
}

// Close unsubscribes the reader from its hub.
func (r *Reader) Close() {
	r.hub.Unsubscribe(r)
}
