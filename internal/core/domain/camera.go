package domain

import (
	"fmt"
	"time"
)

type PixelFormat string

const (
	FormatRGB888 PixelFormat = "RGB888"
	FormatBGR888 PixelFormat = "BGR888"
	FormatYUV420 PixelFormat = "YUV420"
)

func (f PixelFormat) Valid() bool {
	switch f {
	case FormatRGB888, FormatBGR888, FormatYUV420:
		return true
	}
	return false
}

type ModuleClass string

const (
	ModuleCamera3   ModuleClass = "module3"
	ModuleCamera2   ModuleClass = "module2"
	ModuleOther     ModuleClass = "other"
	ModuleFallback  ModuleClass = "fallback"
	ModuleSynthetic ModuleClass = "synthetic"
)

type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r Resolution) Megapixels() float64 {
	return float64(r.Width*r.Height) / 1_000_000
}

func (r Resolution) IsZero() bool {
	return r.Width <= 0 || r.Height <= 0
}

type OutputGeometry struct {
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Format PixelFormat `json:"format"`
}

// StreamGeometry is the dual-output layout: a full-size main output for
// stills and a low-resolution output driving the live feed.
type StreamGeometry struct {
	Main  OutputGeometry `json:"main"`
	Lores OutputGeometry `json:"lores"`
}

// CameraConfig is handed to the device registry at open time.
type CameraConfig struct {
	Driver              string
	Device              string
	AutoDetect          bool
	Fallback            Resolution
	Stream              Resolution
	MainFormat          PixelFormat
	LoresFormat         PixelFormat
	BufferCount         int
	FallbackBufferCount int
	HFlip               bool
	VFlip               bool
	JPEGQuality         int
	FrameRate           int
}

type ModuleDescriptor struct {
	Class            ModuleClass `json:"class"`
	SensorResolution Resolution  `json:"sensor_resolution"`
	BufferCount      int         `json:"buffer_count"`
}

// DetectModule classifies a sensor by its native resolution. A zero
// resolution means probing failed and the fallback settings apply.
func DetectModule(sensor Resolution, cfg CameraConfig) ModuleDescriptor {
	if !cfg.AutoDetect || sensor.IsZero() {
		return ModuleDescriptor{
			Class:            ModuleFallback,
			SensorResolution: cfg.Fallback,
			BufferCount:      pickBufferCount(cfg.BufferCount, cfg.FallbackBufferCount),
		}
	}

	desc := ModuleDescriptor{SensorResolution: sensor}
	switch mp := sensor.Megapixels(); {
	case mp >= 12:
		desc.Class = ModuleCamera3
		desc.BufferCount = pickBufferCount(cfg.BufferCount, 2)
	case mp >= 8:
		desc.Class = ModuleCamera2
		desc.BufferCount = pickBufferCount(cfg.BufferCount, 3)
	default:
		desc.Class = ModuleOther
		desc.BufferCount = pickBufferCount(cfg.BufferCount, 2)
	}
	return desc
}

func pickBufferCount(configured, recommended int) int {
	if configured > 0 {
		return configured
	}
	return recommended
}

// GeometryFor derives the dual-output geometry for a detected module.
func GeometryFor(desc ModuleDescriptor, cfg CameraConfig) StreamGeometry {
	return StreamGeometry{
		Main: OutputGeometry{
			Width:  desc.SensorResolution.Width,
			Height: desc.SensorResolution.Height,
			Format: cfg.MainFormat,
		},
		Lores: OutputGeometry{
			Width:  cfg.Stream.Width,
			Height: cfg.Stream.Height,
			Format: cfg.LoresFormat,
		},
	}
}

type CameraStatus struct {
	Available   bool             `json:"available"`
	Streaming   bool             `json:"streaming"`
	Module      ModuleDescriptor `json:"module"`
	Resolution  string           `json:"resolution"`
	BufferCount int              `json:"buffer_count"`
	Readers     int              `json:"readers"`
	LastError   string           `json:"last_error,omitempty"`
}

type Photo struct {
	Filename   string    `json:"filename"`
	Path       string    `json:"-"`
	Size       int64     `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
}

type CaptureStats struct {
	PhotosCaptured  int64     `json:"photos_captured"`
	PhotosStored    int       `json:"photos_stored"`
	LastCaptureTime time.Time `json:"last_capture_time,omitempty"`
	TotalBytes      int64     `json:"total_storage_bytes"`
	MaxPhotos       int       `json:"max_photos_limit"`
}
