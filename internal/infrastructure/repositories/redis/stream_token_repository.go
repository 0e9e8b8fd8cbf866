package redis

import (
	"context"
	"fmt"
	"time"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisStreamTokenRepository keeps one key per live token ID. The key's
// TTL matches the token expiry so revocation state never outlives it.
type RedisStreamTokenRepository struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStreamTokenRepository(client redis.Cmdable, prefix string) *RedisStreamTokenRepository {
	return &RedisStreamTokenRepository{client: client, prefix: prefix}
}

var _ ports.StreamTokenRepository = (*RedisStreamTokenRepository)(nil)

func (r *RedisStreamTokenRepository) key(id string) string {
	return fmt.Sprintf("%stoken:%s", r.prefix, id)
}

func (r *RedisStreamTokenRepository) Save(ctx context.Context, token *domain.StreamToken) error {
	ttl := token.ExpiresAt.Sub(token.IssuedAt)
	if ttl <= 0 {
		return fmt.Errorf("stream token %s already expired", token.ID)
	}
	if err := r.client.Set(ctx, r.key(token.ID), string(token.SessionID), ttl).Err(); err != nil {
		return fmt.Errorf("failed to save stream token: %w", err)
	}
	return nil
}

func (r *RedisStreamTokenRepository) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check stream token: %w", err)
	}
	return n > 0, nil
}

// Consume deletes the key; only one concurrent caller sees true.
func (r *RedisStreamTokenRepository) Consume(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume stream token: %w", err)
	}
	return n > 0, nil
}

func (r *RedisStreamTokenRepository) Revoke(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to revoke stream token: %w", err)
	}
	return nil
}

func (r *RedisStreamTokenRepository) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	count := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"token:*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count stream tokens: %w", err)
	}
	return count, nil
}
