package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// RefreshTokenDigest returns the hex-encoded SHA-256 digest of a refresh token.
// The user's session list stores digests so a store dump does not yield usable tokens.
func RefreshTokenDigest(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
