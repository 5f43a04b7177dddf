package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"postboard/backend/internal/user/domain"
)

// MemoryRepository keeps users in process memory. For tests and local development only;
// state is lost on restart and is not shared between processes.
type MemoryRepository struct {
	mu         sync.Mutex
	byID       map[string]*domain.User
	byUsername map[string]string
	now        func() time.Time
}

// NewMemoryRepository returns an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:       make(map[string]*domain.User),
		byUsername: make(map[string]string),
		now:        time.Now,
	}
}

func cloneUser(u *domain.User) *domain.User {
	c := *u
	c.RefreshTokens = slices.Clone(u.RefreshTokens)
	if c.RefreshTokens == nil {
		c.RefreshTokens = []string{}
	}
	return &c
}

func (r *MemoryRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUsername[username]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return cloneUser(r.byID[id]), nil
}

func (r *MemoryRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (r *MemoryRepository) Create(ctx context.Context, u *domain.User) (*domain.User, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byUsername[u.Username]; taken {
		return nil, domain.ErrUsernameTaken
	}
	stored := cloneUser(u)
	stored.ID = uuid.NewString()
	stored.RefreshTokens = []string{}
	now := r.now().UTC()
	stored.CreatedAt, stored.UpdatedAt = now, now
	r.byID[stored.ID] = stored
	r.byUsername[stored.Username] = stored.ID
	return cloneUser(stored), nil
}

func (r *MemoryRepository) UpdateProfile(ctx context.Context, id string, upd domain.ProfileUpdate) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	if upd.Username != nil && *upd.Username != u.Username {
		if _, taken := r.byUsername[*upd.Username]; taken {
			return nil, domain.ErrUsernameTaken
		}
		delete(r.byUsername, u.Username)
		u.Username = *upd.Username
		r.byUsername[u.Username] = id
	}
	if upd.Avatar != nil {
		u.Avatar = *upd.Avatar
	}
	u.UpdatedAt = r.now().UTC()
	return cloneUser(u), nil
}

func (r *MemoryRepository) CompareAndSetRefreshTokens(ctx context.Context, id string, expected, next []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	if !slices.Equal(u.RefreshTokens, expected) {
		return domain.ErrTokensChanged
	}
	u.RefreshTokens = slices.Clone(next)
	if u.RefreshTokens == nil {
		u.RefreshTokens = []string{}
	}
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	delete(r.byUsername, u.Username)
	delete(r.byID, id)
	return nil
}

func (r *MemoryRepository) Ping(ctx context.Context) error { return ctx.Err() }

func (r *MemoryRepository) Close() error { return nil }
