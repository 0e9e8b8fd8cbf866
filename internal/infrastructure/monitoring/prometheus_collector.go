package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Live feed
	framesPublished prometheus.Counter
	frameBytes      prometheus.Counter
	frameSize       prometheus.Histogram
	framesSkipped   prometheus.Counter
	streamReaders   prometheus.Gauge

	// Stream responses
	streamsServed  prometheus.Counter
	streamDuration prometheus.Histogram

	// Camera
	captures        *prometheus.CounterVec
	captureDuration prometheus.Histogram
	cameraAvailable prometheus.Gauge
	feedRestarts    *prometheus.CounterVec

	// Auth
	logins         *prometheus.CounterVec
	streamTokens   *prometheus.CounterVec
	activeSessions prometheus.Gauge

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers every metric with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		framesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "camstream_frames_published_total",
			Help: "Frames published to the broadcast hub",
		}),

		frameBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "camstream_frame_bytes_total",
			Help: "Encoded bytes published to the broadcast hub",
		}),

		frameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camstream_frame_size_bytes",
			Help:    "Size of published JPEG frames",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10),
		}),

		framesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "camstream_frames_skipped_total",
			Help: "Frames slow readers skipped to catch up with the latest one",
		}),

		streamReaders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camstream_stream_readers",
			Help: "Readers attached to the live feed",
		}),

		streamsServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "camstream_streams_served_total",
			Help: "MJPEG stream responses completed",
		}),

		streamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camstream_stream_duration_seconds",
			Help:    "How long MJPEG stream responses stayed open",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		captures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camstream_captures_total",
			Help: "Still captures by outcome",
		}, []string{"outcome"}),

		captureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camstream_capture_duration_seconds",
			Help:    "Duration of still captures including storage",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		cameraAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camstream_camera_available",
			Help: "1 when the camera can take stills",
		}),

		feedRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camstream_feed_restarts_total",
			Help: "Automatic live feed restarts by outcome",
		}, []string{"outcome"}),

		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camstream_logins_total",
			Help: "Login attempts by outcome",
		}, []string{"outcome"}),

		streamTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camstream_stream_tokens_total",
			Help: "Stream token events by outcome",
		}, []string{"outcome"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camstream_active_sessions",
			Help: "Live browser sessions at the last sweep",
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camstream_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "camstream_http_request_duration_seconds",
			Help:    "HTTP request latency, stream responses excluded",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (p *PrometheusCollector) RecordFramePublished(size int) {
	p.framesPublished.Inc()
	p.frameBytes.Add(float64(size))
	p.frameSize.Observe(float64(size))
}

func (p *PrometheusCollector) SetStreamReaders(n int) {
	p.streamReaders.Set(float64(n))
}

func (p *PrometheusCollector) RecordFramesSkipped(n uint64) {
	p.framesSkipped.Add(float64(n))
}

func (p *PrometheusCollector) RecordStreamServed(duration time.Duration) {
	p.streamsServed.Inc()
	p.streamDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordCapture(outcome string, duration time.Duration, size int) {
	p.captures.WithLabelValues(outcome).Inc()
	p.captureDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) SetCameraAvailable(available bool) {
	if available {
		p.cameraAvailable.Set(1)
		return
	}
	p.cameraAvailable.Set(0)
}

func (p *PrometheusCollector) RecordFeedRestart(outcome string) {
	p.feedRestarts.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordLogin(outcome string) {
	p.logins.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordStreamToken(outcome string) {
	p.streamTokens.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) SetActiveSessions(n int) {
	p.activeSessions.Set(float64(n))
}

func (p *PrometheusCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	p.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	if route != "/api/camera/stream" {
		p.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
