package ports

import (
	"context"
	"io"
	"time"

	"camstream/internal/core/domain"
)

type SessionRepository interface {
	Create(ctx context.Context, session *domain.AuthSession) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.AuthSession, error)
	Touch(ctx context.Context, id domain.SessionID, at time.Time) error
	Delete(ctx context.Context, id domain.SessionID) error
	List(ctx context.Context) ([]*domain.AuthSession, error)
}

// StreamTokenRepository tracks live token IDs. A token absent from the
// repository is treated as revoked.
type StreamTokenRepository interface {
	Save(ctx context.Context, token *domain.StreamToken) error
	Exists(ctx context.Context, id string) (bool, error)
	// Consume removes the token and reports whether it was present.
	Consume(ctx context.Context, id string) (bool, error)
	Revoke(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

type PhotoStore interface {
	Save(ctx context.Context, capturedAt time.Time, data io.Reader) (*domain.Photo, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, *domain.Photo, error)
	List(ctx context.Context) ([]*domain.Photo, error)
	Delete(ctx context.Context, filename string) error
	// Prune deletes the oldest photos beyond keep and returns how many went.
	Prune(ctx context.Context, keep int) (int, error)
}
