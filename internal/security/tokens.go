package security

import (
	"bytes"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Verification failures. Verify returns exactly one of these (possibly wrapped) and never a partial claim.
var (
	// ErrMalformedToken is returned when the token cannot be parsed or lacks required claims.
	ErrMalformedToken = errors.New("malformed token")
	// ErrBadSignature is returned when the signature does not match the secret for the requested role.
	ErrBadSignature = errors.New("bad token signature")
	// ErrTokenExpired is returned when the embedded expiry has passed.
	ErrTokenExpired = errors.New("token expired")
)

// Role selects which signing secret a token is issued and verified with.
type Role string

const (
	// RoleAccess marks short-lived bearer tokens presented on every request.
	RoleAccess Role = "access"
	// RoleRefresh marks long-lived tokens exchanged for a new token pair.
	RoleRefresh Role = "refresh"
)

// Claims is the JWT payload shared by access and refresh tokens.
// Subject carries the user ID; ID (jti) makes every issued token unique.
type Claims struct {
	jwt.RegisteredClaims
	Type Role `json:"typ"`
}

// TokenCodec signs and verifies HS256 JWTs with one secret per role, so a
// leaked access secret cannot mint refresh tokens and vice versa.
type TokenCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	now           func() time.Time
}

// CodecOption configures a TokenCodec.
type CodecOption func(*TokenCodec)

// WithClock overrides the time source used for iat/exp and for expiry checks.
func WithClock(now func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewTokenCodec returns a TokenCodec. Both secrets must be at least
// MinSecretLen bytes and must differ from each other.
func NewTokenCodec(accessSecret, refreshSecret []byte, issuer string, opts ...CodecOption) (*TokenCodec, error) {
	if len(accessSecret) < MinSecretLen || len(refreshSecret) < MinSecretLen {
		return nil, ErrInvalidSecret
	}
	if bytes.Equal(accessSecret, refreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	c := &TokenCodec{
		accessSecret:  bytes.Clone(accessSecret),
		refreshSecret: bytes.Clone(refreshSecret),
		issuer:        issuer,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *TokenCodec) secret(role Role) ([]byte, bool) {
	switch role {
	case RoleAccess:
		return c.accessSecret, true
	case RoleRefresh:
		return c.refreshSecret, true
	default:
		return nil, false
	}
}

// Issue signs a token for userID with the given role and lifetime.
// Returns the token and its absolute expiry.
func (c *TokenCodec) Issue(userID string, role Role, ttl time.Duration) (string, time.Time, error) {
	secret, ok := c.secret(role)
	if !ok {
		return "", time.Time{}, errors.New("unknown token role")
	}
	if userID == "" || ttl <= 0 {
		return "", time.Time{}, errors.New("token requires a subject and a positive ttl")
	}
	now := c.now().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Type: role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, claims.ExpiresAt.Time, nil
}

// Verify checks signature, expiry, issuer and role, and returns the user ID.
// The signature is checked before any claim, so an expired token signed with
// the wrong secret reports ErrBadSignature.
func (c *TokenCodec) Verify(token string, role Role) (string, error) {
	secret, ok := c.secret(role)
	if !ok {
		return "", ErrBadSignature
	}
	if token == "" {
		return "", ErrMalformedToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
	)
	if err != nil {
		return "", classify(err)
	}
	if !parsed.Valid {
		return "", ErrMalformedToken
	}
	if claims.Type != role {
		return "", ErrBadSignature
	}
	if claims.Subject == "" {
		return "", ErrMalformedToken
	}
	return claims.Subject, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrBadSignature
	default:
		return ErrMalformedToken
	}
}
