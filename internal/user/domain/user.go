package domain

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// Sentinel errors returned by user repositories and services; handlers map them to HTTP statuses.
var (
	// ErrUserNotFound is returned when no user matches the lookup key.
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameTaken is returned by Create/UpdateProfile when the username already belongs to another user.
	ErrUsernameTaken = errors.New("username taken")
	// ErrTokensChanged is returned by CompareAndSetRefreshTokens when the stored list no longer equals the expected list.
	ErrTokensChanged = errors.New("refresh token list changed concurrently")
	// ErrInvalidCredentials is returned when a password does not match the stored hash.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User is the identity and credential record.
//
// RefreshTokens holds one entry per active session (device). Entries are the
// SHA-256 digests of the issued refresh tokens, never the tokens themselves.
// Order is insertion order; rotation keeps an entry's position.
type User struct {
	ID            string
	Username      string
	Email         string
	Avatar        string
	PasswordHash  string
	RefreshTokens []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProfileUpdate carries the mutable profile fields. Nil fields are left unchanged.
type ProfileUpdate struct {
	Username *string
	Avatar   *string
}

// Empty reports whether the update changes nothing.
func (p ProfileUpdate) Empty() bool {
	return p.Username == nil && p.Avatar == nil
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username is required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return errors.New("email is required")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if u.RefreshTokens == nil {
		u.RefreshTokens = []string{}
	}
	return nil
}

// HasRefreshToken reports whether digest is one of the user's active session entries.
func (u *User) HasRefreshToken(digest string) bool {
	return slices.Contains(u.RefreshTokens, digest)
}

// Public returns a copy of u without credential material, safe to serialize to clients.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Avatar:    u.Avatar,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// PublicUser is the client-facing view of a User.
type PublicUser struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ReplaceToken returns a new list with old replaced by next at the same position.
// The second result is false when old is not present; the input is never modified.
func ReplaceToken(list []string, old, next string) ([]string, bool) {
	i := slices.Index(list, old)
	if i < 0 {
		return nil, false
	}
	out := slices.Clone(list)
	out[i] = next
	return out, true
}

// RemoveToken returns a new list without digest. The input is never modified.
func RemoveToken(list []string, digest string) []string {
	out := make([]string, 0, len(list))
	for _, t := range list {
		if t != digest {
			out = append(out, t)
		}
	}
	return out
}

// AppendToken returns a new list with digest appended. When limit > 0 the
// oldest entries are dropped so that the result holds at most limit entries.
func AppendToken(list []string, digest string, limit int) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, list...)
	out = append(out, digest)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
