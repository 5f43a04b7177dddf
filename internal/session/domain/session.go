package domain

import "time"

// TokenPair is the credential pair returned by login and refresh.
// Neither token is stored as-is: only the refresh token's digest is kept in the
// owner's session list, and the access token is never stored.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	UserID           string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
