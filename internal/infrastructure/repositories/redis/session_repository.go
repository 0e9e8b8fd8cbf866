package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisSessionRepository stores each session as JSON under its own key,
// expiring with the session, plus a sorted-set index scored by creation
// time for listing and eviction.
type RedisSessionRepository struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

func NewRedisSessionRepository(client redis.Cmdable, prefix string) *RedisSessionRepository {
	return &RedisSessionRepository{client: client, prefix: prefix, now: time.Now}
}

var _ ports.SessionRepository = (*RedisSessionRepository)(nil)

func sessionIndexKey(prefix string) string {
	return prefix + "sessions"
}

func (r *RedisSessionRepository) key(id domain.SessionID) string {
	return fmt.Sprintf("%ssession:%s", r.prefix, id)
}

func (r *RedisSessionRepository) ttl(session *domain.AuthSession) time.Duration {
	ttl := session.ExpiresAt.Sub(r.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.AuthSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.key(session.ID), data, r.ttl(session)).Result()
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: session already exists", domain.ErrResourceConflict)
	}

	if err := r.client.ZAdd(ctx, sessionIndexKey(r.prefix), redis.Z{
		Score:  float64(session.CreatedAt.UnixNano()),
		Member: string(session.ID),
	}).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.AuthSession, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session domain.AuthSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *RedisSessionRepository) Touch(ctx context.Context, id domain.SessionID, at time.Time) error {
	session, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !at.After(session.LastAccess) {
		return nil
	}
	session.LastAccess = at

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	// XX keeps a concurrently deleted session deleted.
	ok, err := r.client.SetXX(ctx, r.key(id), data, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if !ok {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.key(id))
	pipe.ZRem(ctx, sessionIndexKey(r.prefix), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// List returns live sessions oldest first and prunes index entries whose
// keys already expired.
func (r *RedisSessionRepository) List(ctx context.Context) ([]*domain.AuthSession, error) {
	ids, err := r.client.ZRange(ctx, sessionIndexKey(r.prefix), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(domain.SessionID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sessions := make([]*domain.AuthSession, 0, len(ids))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var session domain.AuthSession
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		sessions = append(sessions, &session)
	}

	if len(stale) > 0 {
		r.client.ZRem(ctx, sessionIndexKey(r.prefix), stale...)
	}
	return sessions, nil
}
