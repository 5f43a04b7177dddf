package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"postboard/backend/internal/audit"
	"postboard/backend/internal/user/domain"
)

// ErrMissingArguments is returned when a required registration field is empty.
var ErrMissingArguments = errors.New("missing arguments")

// ErrPasswordTooLong is returned when the password exceeds MaxPasswordBytes.
var ErrPasswordTooLong = errors.New("password too long")

// MaxPasswordBytes is the longest password bcrypt accepts.
const MaxPasswordBytes = 72

// Store is the subset of the credential store used for registration and profile changes.
type Store interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) (*domain.User, error)
	UpdateProfile(ctx context.Context, id string, upd domain.ProfileUpdate) (*domain.User, error)
}

// PasswordHasher hashes new passwords.
type PasswordHasher interface {
	Hash(password []byte) (string, error)
}

// RegisterInput is the data accepted at sign-up. Avatar is the stored file name, if any.
type RegisterInput struct {
	Username string
	Password string
	Email    string
	Avatar   string
}

// UserService handles registration and profile updates.
type UserService struct {
	store  Store
	hasher PasswordHasher
	audit  audit.AuditLogger
	log    *slog.Logger
}

// NewUserService returns a UserService. auditLog and log may be nil.
func NewUserService(store Store, hasher PasswordHasher, auditLog audit.AuditLogger, log *slog.Logger) *UserService {
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &UserService{store: store, hasher: hasher, audit: auditLog, log: log}
}

// Register creates a user with an empty session list.
// Returns ErrMissingArguments, ErrPasswordTooLong or domain.ErrUsernameTaken.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(in.Email)
	if username == "" || email == "" || in.Password == "" {
		return nil, ErrMissingArguments
	}
	if len(in.Password) > MaxPasswordBytes {
		return nil, ErrPasswordTooLong
	}
	hash, err := s.hasher.Hash([]byte(in.Password))
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &domain.User{
		Username:     username,
		Email:        email,
		Avatar:       in.Avatar,
		PasswordHash: hash,
	}
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingArguments, err)
	}
	created, err := s.store.Create(ctx, u)
	if err != nil {
		if errors.Is(err, domain.ErrUsernameTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.log.InfoContext(ctx, "user registered", "user_id", created.ID)
	s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionRegister, UserID: created.ID, Username: created.Username})
	return created, nil
}

// Get returns the user with the given ID.
func (s *UserService) Get(ctx context.Context, id string) (*domain.User, error) {
	return s.store.FindByID(ctx, id)
}

// UpdateProfile changes the username and/or avatar. An empty update returns the current record.
func (s *UserService) UpdateProfile(ctx context.Context, id string, upd domain.ProfileUpdate) (*domain.User, error) {
	if upd.Username != nil {
		name := strings.TrimSpace(*upd.Username)
		if name == "" {
			return nil, ErrMissingArguments
		}
		upd.Username = &name
	}
	if upd.Empty() {
		return s.store.FindByID(ctx, id)
	}
	u, err := s.store.UpdateProfile(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionProfileUpdated, UserID: u.ID, Username: u.Username})
	return u, nil
}
