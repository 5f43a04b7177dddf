package security

import (
	"errors"
	"os"
	"strings"
)

// MinSecretLen is the minimum HMAC signing secret length in bytes.
const MinSecretLen = 32

// ErrInvalidSecret is returned when a signing secret is missing or too short.
var ErrInvalidSecret = errors.New("invalid signing secret")

const fileSecretPrefix = "file:"

// LoadSecret resolves a signing secret. s is either the secret itself or
// "file:<path>", in which case the trimmed file content is used.
// The result must be at least MinSecretLen bytes.
func LoadSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidSecret
	}
	if strings.HasPrefix(s, fileSecretPrefix) {
		b, err := os.ReadFile(strings.TrimPrefix(s, fileSecretPrefix))
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(string(b))
	}
	if len(s) < MinSecretLen {
		return nil, ErrInvalidSecret
	}
	return []byte(s), nil
}
