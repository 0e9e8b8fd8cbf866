package domain

import (
	"fmt"
	"time"
)

// Frame is one encoded JPEG from the live feed. Data is shared by every
// reader and must not be modified after publish.
type Frame struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

type StopPolicy string

const (
	// StopDeferred keeps the feed running until the last reader detaches.
	StopDeferred StopPolicy = "deferred"
	// StopImmediate tears the feed down at once and ends every reader.
	StopImmediate StopPolicy = "immediate"
)

func ParseStopPolicy(s string) (StopPolicy, error) {
	switch p := StopPolicy(s); p {
	case StopDeferred, StopImmediate:
		return p, nil
	}
	return "", fmt.Errorf("unknown stop policy %q", s)
}

type StopResult struct {
	Stopped bool       `json:"stopped"`
	Pending bool       `json:"pending"`
	Readers int        `json:"readers"`
	Policy  StopPolicy `json:"policy"`
}

type HubStats struct {
	Generation      uint64    `json:"generation"`
	Live            bool      `json:"live"`
	Readers         int       `json:"readers"`
	FramesPublished uint64    `json:"frames_published"`
	FramesSkipped   uint64    `json:"frames_skipped"`
	LastSeq         uint64    `json:"last_seq"`
	LastFrameAt     time.Time `json:"last_frame_at,omitempty"`
}
