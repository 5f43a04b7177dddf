package repository

import (
	"context"

	"postboard/backend/internal/user/domain"
)

// Repository is the credential store contract. Implementations return
// domain.ErrUserNotFound, domain.ErrUsernameTaken and domain.ErrTokensChanged;
// every other error is an infrastructure failure.
type Repository interface {
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	FindByID(ctx context.Context, id string) (*domain.User, error)
	// Create assigns ID and timestamps and persists u with an empty refresh token list.
	Create(ctx context.Context, u *domain.User) (*domain.User, error)
	UpdateProfile(ctx context.Context, id string, upd domain.ProfileUpdate) (*domain.User, error)
	// CompareAndSetRefreshTokens replaces the refresh token list with next only if
	// it currently equals expected (same entries, same order). Otherwise it
	// returns domain.ErrTokensChanged and leaves the list untouched.
	CompareAndSetRefreshTokens(ctx context.Context, id string, expected, next []string) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}
