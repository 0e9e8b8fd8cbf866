package ports

import (
	"context"

	"camstream/internal/core/domain"
)

// FrameSink receives encoded frames from a running feed.
type FrameSink interface {
	Publish(data []byte)
	// FeedEnded is called at most once, when a feed stops without being asked to.
	FeedEnded(err error)
}

// CameraHandle is the exclusive owner of the sensor. It is not safe for
// concurrent use; callers serialize access.
type CameraHandle interface {
	Info() domain.ModuleDescriptor
	Geometry() domain.StreamGeometry
	// ConcurrentStill reports whether CaptureStill may run while the feed does.
	ConcurrentStill() bool
	CaptureStill(ctx context.Context) ([]byte, error)
	StartFeed(ctx context.Context, sink FrameSink) error
	StopFeed() error
	FeedRunning() bool
	Close() error
}

type CameraOpener interface {
	Open(ctx context.Context, cfg domain.CameraConfig) (CameraHandle, error)
}

type FrameReader interface {
	Next(ctx context.Context) (domain.Frame, error)
	LastSeq() uint64
}

type FrameHub interface {
	Begin() uint64
	Publish(data []byte) domain.Frame
	End()
	EndGeneration(gen uint64) bool
	Pause()
	Resume()
	Subscribe() FrameReader
	Unsubscribe(r FrameReader)
	ReaderCount() int
	Stats() domain.HubStats
}

// EventPublisher announces camera events. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.CameraEvent) error
}

type CameraService interface {
	Status(ctx context.Context) domain.CameraStatus
	Capture(ctx context.Context) (*domain.Photo, error)
	CaptureStats(ctx context.Context) (domain.CaptureStats, error)
	OpenStream(ctx context.Context) (FrameReader, error)
	ReleaseStream(r FrameReader)
	StopStream(ctx context.Context) (domain.StopResult, error)
	HubStats() domain.HubStats
	Close(ctx context.Context) error
}

type AuthService interface {
	Login(ctx context.Context, password string, client domain.ClientInfo) (*domain.AuthSession, error)
	Logout(ctx context.Context, id domain.SessionID) error
	ValidateSession(ctx context.Context, id domain.SessionID) (*domain.AuthSession, error)
	MintStreamToken(ctx context.Context, id domain.SessionID) (*domain.StreamToken, error)
	ValidateStreamToken(ctx context.Context, value string) (*domain.StreamToken, error)
	RevokeStreamToken(ctx context.Context, value string) error
	ValidateAPICredential(value string) bool
	Sweep(ctx context.Context) (int, error)
	// Run sweeps periodically until ctx is done.
	Run(ctx context.Context)
	Stats(ctx context.Context) domain.SessionStats
}
