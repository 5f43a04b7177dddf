package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"postboard/backend/internal/audit"
	"postboard/backend/internal/security"
	sessiondomain "postboard/backend/internal/session/domain"
	userdomain "postboard/backend/internal/user/domain"
)

// Sentinel errors for the session service; handlers map them to HTTP statuses.
var (
	// ErrUnauthorized covers every refresh/logout/authenticate failure. Reuse
	// detection also reports it so callers cannot tell it apart from a bad token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStoreContention is returned when the session list kept changing for maxCASAttempts attempts.
	ErrStoreContention = errors.New("credential store contention")
)

const maxCASAttempts = 8

const instrumentationName = "postboard/backend/internal/session/service"

// errSkipWrite tells mutateTokens that the current list already satisfies the policy.
var errSkipWrite = errors.New("no write needed")

// UserStore is the minimal credential store needed by the session service.
type UserStore interface {
	FindByUsername(ctx context.Context, username string) (*userdomain.User, error)
	FindByID(ctx context.Context, id string) (*userdomain.User, error)
	CompareAndSetRefreshTokens(ctx context.Context, id string, expected, next []string) error
}

// TokenCodec issues and verifies signed tokens.
type TokenCodec interface {
	Issue(userID string, role security.Role, ttl time.Duration) (string, time.Time, error)
	Verify(token string, role security.Role) (string, error)
}

// PasswordHasher verifies passwords against stored hashes.
type PasswordHasher interface {
	Compare(hash string, password []byte) error
	CompareDummy(password []byte)
}

// Config holds token lifetimes and the per-user session cap.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// MaxSessions caps the refresh token list; 0 means unlimited.
	MaxSessions int
}

// Option configures a SessionService.
type Option func(*SessionService)

// WithAuditLogger sets the security event logger. Default discards events.
func WithAuditLogger(l audit.AuditLogger) Option {
	return func(s *SessionService) {
		if l != nil {
			s.audit = l
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *SessionService) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *SessionService) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *SessionService) {
		if mp != nil {
			s.meter = mp.Meter(instrumentationName)
		}
	}
}

// SessionService implements login, refresh-token rotation with reuse detection,
// logout and access-token authentication. It holds no session state of its own:
// the owner's refresh token list in the store is the only shared state, and every
// change to it goes through CompareAndSetRefreshTokens.
type SessionService struct {
	users  UserStore
	codec  TokenCodec
	hasher PasswordHasher
	cfg    Config
	audit  audit.AuditLogger
	log    *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	logins      metric.Int64Counter
	refreshes   metric.Int64Counter
	reuses      metric.Int64Counter
	casRetries  metric.Int64Counter
	contentions metric.Int64Counter
}

// NewSessionService returns a SessionService with the given dependencies.
func NewSessionService(users UserStore, codec TokenCodec, hasher PasswordHasher, cfg Config, opts ...Option) *SessionService {
	s := &SessionService{
		users:  users,
		codec:  codec,
		hasher: hasher,
		cfg:    cfg,
		audit:  audit.Nop{},
		log:    slog.Default(),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logins, _ = s.meter.Int64Counter("auth.logins", metric.WithDescription("Login attempts by outcome"))
	s.refreshes, _ = s.meter.Int64Counter("auth.refreshes", metric.WithDescription("Refresh attempts by outcome"))
	s.reuses, _ = s.meter.Int64Counter("auth.refresh.reuse_detected", metric.WithDescription("Refresh tokens presented after rotation or revocation"))
	s.casRetries, _ = s.meter.Int64Counter("auth.cas.retries", metric.WithDescription("Session list compare-and-set conflicts"))
	s.contentions, _ = s.meter.Int64Counter("auth.cas.exhausted", metric.WithDescription("Operations that gave up after repeated conflicts"))
	return s
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func outcome(o string) metric.AddOption {
	return metric.WithAttributes(attribute.String("outcome", o))
}

// Login verifies username/password and starts a new session.
// Returns userdomain.ErrUserNotFound for an unknown username and
// userdomain.ErrInvalidCredentials for a wrong password.
func (s *SessionService) Login(ctx context.Context, username, password string) (_ *sessiondomain.TokenPair, err error) {
	ctx, span := s.tracer.Start(ctx, "session.Login")
	defer func() { endSpan(span, err) }()

	if username == "" || password == "" {
		return nil, userdomain.ErrInvalidCredentials
	}
	user, err := s.users.FindByUsername(ctx, username)
	if errors.Is(err, userdomain.ErrUserNotFound) {
		s.hasher.CompareDummy([]byte(password))
		s.logins.Add(ctx, 1, outcome("unknown_user"))
		s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionLoginFailure, Username: username, Reason: "unknown_user"})
		return nil, userdomain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if err := s.hasher.Compare(user.PasswordHash, []byte(password)); err != nil {
		if !errors.Is(err, security.ErrPasswordMismatch) {
			return nil, fmt.Errorf("compare password: %w", err)
		}
		s.logins.Add(ctx, 1, outcome("bad_password"))
		s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionLoginFailure, UserID: user.ID, Username: username, Reason: "bad_password"})
		return nil, userdomain.ErrInvalidCredentials
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	pair, err := s.issuePair(user.ID)
	if err != nil {
		return nil, err
	}
	digest := security.RefreshTokenDigest(pair.RefreshToken)
	err = s.mutateTokens(ctx, user.ID, user, func(current []string) ([]string, error) {
		return userdomain.AppendToken(current, digest, s.cfg.MaxSessions), nil
	})
	if err != nil {
		return nil, err
	}
	s.logins.Add(ctx, 1, outcome("success"))
	s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionLoginSuccess, UserID: user.ID, Username: username})
	return pair, nil
}

// Refresh exchanges a valid, listed refresh token for a new pair. The old token's
// entry is replaced in place. A validly signed token that is no longer listed is
// treated as stolen: every session of the owner is revoked and ErrUnauthorized
// is returned.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (_ *sessiondomain.TokenPair, err error) {
	ctx, span := s.tracer.Start(ctx, "session.Refresh")
	defer func() { endSpan(span, err) }()

	userID, err := s.codec.Verify(refreshToken, security.RoleRefresh)
	if err != nil {
		s.refreshes.Add(ctx, 1, outcome("invalid_token"))
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	span.SetAttributes(attribute.String("user.id", userID))

	pair, err := s.issuePair(userID)
	if err != nil {
		return nil, err
	}
	oldDigest := security.RefreshTokenDigest(refreshToken)
	newDigest := security.RefreshTokenDigest(pair.RefreshToken)

	var reused bool
	err = s.mutateTokens(ctx, userID, nil, func(current []string) ([]string, error) {
		if next, ok := userdomain.ReplaceToken(current, oldDigest, newDigest); ok {
			reused = false
			return next, nil
		}
		reused = true
		if len(current) == 0 {
			return nil, errSkipWrite
		}
		return []string{}, nil
	})
	if errors.Is(err, userdomain.ErrUserNotFound) {
		s.refreshes.Add(ctx, 1, outcome("unknown_user"))
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if err != nil {
		return nil, err
	}
	if reused {
		s.refreshes.Add(ctx, 1, outcome("reuse"))
		s.reuses.Add(ctx, 1)
		s.log.WarnContext(ctx, "refresh token reuse detected; all sessions revoked", "user_id", userID)
		s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionRefreshReuseDetected, UserID: userID, Reason: "token not in session list"})
		return nil, ErrUnauthorized
	}
	s.refreshes.Add(ctx, 1, outcome("success"))
	s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionRefreshRotated, UserID: userID})
	return pair, nil
}

// Logout ends the session of refreshToken. Logging out a session that is already
// gone succeeds, so repeated calls are harmless. Only an unverifiable token fails.
func (s *SessionService) Logout(ctx context.Context, refreshToken string) (err error) {
	ctx, span := s.tracer.Start(ctx, "session.Logout")
	defer func() { endSpan(span, err) }()

	userID, err := s.codec.Verify(refreshToken, security.RoleRefresh)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	digest := security.RefreshTokenDigest(refreshToken)
	var removed bool
	err = s.mutateTokens(ctx, userID, nil, func(current []string) ([]string, error) {
		next := userdomain.RemoveToken(current, digest)
		removed = len(next) != len(current)
		if !removed {
			return nil, errSkipWrite
		}
		return next, nil
	})
	if errors.Is(err, userdomain.ErrUserNotFound) {
		return nil
	}
	if err != nil || !removed {
		return err
	}
	s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionLogout, UserID: userID})
	return nil
}

// RevokeAll ends every session of userID.
func (s *SessionService) RevokeAll(ctx context.Context, userID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "session.RevokeAll", trace.WithAttributes(attribute.String("user.id", userID)))
	defer func() { endSpan(span, err) }()

	err = s.mutateTokens(ctx, userID, nil, func(current []string) ([]string, error) {
		if len(current) == 0 {
			return nil, errSkipWrite
		}
		return []string{}, nil
	})
	if errors.Is(err, userdomain.ErrUserNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return err
	}
	s.audit.LogEvent(ctx, audit.Event{Action: audit.ActionLogoutAll, UserID: userID})
	return nil
}

// AuthenticateRequest verifies an access token and returns its user ID. It does
// not consult the store, so a revoked session's access token stays valid until it expires.
func (s *SessionService) AuthenticateRequest(ctx context.Context, accessToken string) (string, error) {
	userID, err := s.codec.Verify(accessToken, security.RoleAccess)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return userID, nil
}

func (s *SessionService) issuePair(userID string) (*sessiondomain.TokenPair, error) {
	access, accessExp, err := s.codec.Issue(userID, security.RoleAccess, s.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, refreshExp, err := s.codec.Issue(userID, security.RoleRefresh, s.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return &sessiondomain.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		UserID:           userID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// mutateTokens runs a read, compute, compare-and-set loop on userID's session
// list. policy sees the list as currently stored and is re-run after every
// conflict, so a decision is never applied to a stale list. known, if non-nil,
// is used for the first attempt instead of reading the store.
func (s *SessionService) mutateTokens(ctx context.Context, userID string, known *userdomain.User, policy func(current []string) ([]string, error)) error {
	user := known
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		if user == nil {
			var err error
			if user, err = s.users.FindByID(ctx, userID); err != nil {
				if errors.Is(err, userdomain.ErrUserNotFound) {
					return err
				}
				return fmt.Errorf("find user: %w", err)
			}
		}
		next, err := policy(user.RefreshTokens)
		if errors.Is(err, errSkipWrite) {
			return nil
		}
		if err != nil {
			return err
		}
		err = s.users.CompareAndSetRefreshTokens(ctx, userID, user.RefreshTokens, next)
		if err == nil {
			return nil
		}
		if errors.Is(err, userdomain.ErrUserNotFound) {
			return err
		}
		if !errors.Is(err, userdomain.ErrTokensChanged) {
			return fmt.Errorf("update session list: %w", err)
		}
		s.casRetries.Add(ctx, 1)
		s.log.DebugContext(ctx, "session list changed concurrently; retrying", "user_id", userID, "attempt", attempt)
		user = nil
	}
	s.contentions.Add(ctx, 1)
	return ErrStoreContention
}
