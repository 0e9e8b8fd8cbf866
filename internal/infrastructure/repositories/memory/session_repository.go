package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionID]domain.AuthSession
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]domain.AuthSession),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.AuthSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("%w: session already exists", domain.ErrResourceConflict)
	}

	r.sessions[session.ID] = *session
	return nil
}

// GetByID returns a copy; callers cannot mutate stored state.
func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.AuthSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return &session, nil
}

func (r *MemorySessionRepository) Touch(ctx context.Context, id domain.SessionID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}
	if at.After(session.LastAccess) {
		session.LastAccess = at
		r.sessions[id] = session
	}
	return nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return domain.ErrSessionNotFound
	}

	delete(r.sessions, id)
	return nil
}

// List returns every stored session, oldest first.
func (r *MemorySessionRepository) List(ctx context.Context) ([]*domain.AuthSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*domain.AuthSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		s := s
		sessions = append(sessions, &s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}
