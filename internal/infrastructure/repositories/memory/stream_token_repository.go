package memory

import (
	"context"
	"fmt"
	"time"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"
	"camstream/pkg/cache"
)

// MemoryStreamTokenRepository keeps live token IDs in a TTL cache. Entries
// vanish at the token's own expiry. Pass cache.WithClock when the caller
// validates tokens against a non-wall clock.
type MemoryStreamTokenRepository struct {
	tokens *cache.Cache[domain.StreamToken]
}

func NewMemoryStreamTokenRepository(opts ...cache.Option) *MemoryStreamTokenRepository {
	return &MemoryStreamTokenRepository{
		tokens: cache.New[domain.StreamToken](time.Minute, opts...),
	}
}

var _ ports.StreamTokenRepository = (*MemoryStreamTokenRepository)(nil)

func (r *MemoryStreamTokenRepository) Save(ctx context.Context, token *domain.StreamToken) error {
	ttl := token.ExpiresAt.Sub(token.IssuedAt)
	if ttl <= 0 {
		return fmt.Errorf("stream token %s already expired", token.ID)
	}
	stored := *token
	stored.Value = ""
	r.tokens.SetWithTTL(token.ID, stored, ttl)
	return nil
}

func (r *MemoryStreamTokenRepository) Exists(ctx context.Context, id string) (bool, error) {
	_, ok := r.tokens.Get(id)
	return ok, nil
}

func (r *MemoryStreamTokenRepository) Consume(ctx context.Context, id string) (bool, error) {
	_, ok := r.tokens.Take(id)
	return ok, nil
}

func (r *MemoryStreamTokenRepository) Revoke(ctx context.Context, id string) error {
	r.tokens.Delete(id)
	return nil
}

func (r *MemoryStreamTokenRepository) Count(ctx context.Context) (int, error) {
	return r.tokens.Len(), nil
}

// Sweep drops expired entries.
func (r *MemoryStreamTokenRepository) Sweep(ctx context.Context) (int, error) {
	return r.tokens.Sweep(), nil
}

// Close stops the background sweeper.
func (r *MemoryStreamTokenRepository) Close() error {
	r.tokens.Stop()
	return nil
}
