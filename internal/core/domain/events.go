package domain

import "time"

type CameraEventType string

const (
	EventPhotoCaptured CameraEventType = "photo.captured"
	EventFeedStarted   CameraEventType = "feed.started"
	EventFeedStopped   CameraEventType = "feed.stopped"
)

// CameraEvent is announced to other instances sharing the same Redis.
type CameraEvent struct {
	Type       CameraEventType `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Filename   string          `json:"filename,omitempty"`
	Size       int64           `json:"size,omitempty"`
	Readers    int             `json:"readers,omitempty"`
}
