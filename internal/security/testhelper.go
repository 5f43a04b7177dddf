package security

import "time"

// Test secrets for unit tests only. Do not use in production.
const (
	testAccessSecret  = "test-access-secret-0123456789abcdef"
	testRefreshSecret = "test-refresh-secret-0123456789abcdef"
	testIssuer        = "postboard-test"
)

// NewTestTokenCodec returns a TokenCodec using fixed test secrets.
// now may be nil to use the wall clock. For unit tests only.
func NewTestTokenCodec(now func() time.Time) *TokenCodec {
	c, err := NewTokenCodec([]byte(testAccessSecret), []byte(testRefreshSecret), testIssuer, WithClock(now))
	if err != nil {
		panic(err)
	}
	return c
}
