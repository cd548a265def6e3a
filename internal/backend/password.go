package backend

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GeneratePassword returns a ≥128-bit random VNC password, base64url
// encoded, as spec.md §4.1 requires.
func GeneratePassword() ([]byte, error) {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate password: %w", err)
	}
	enc := base64.URLEncoding.WithPadding(base64.NoPadding)
	out := make([]byte, enc.EncodedLen(len(buf)))
	enc.Encode(out, buf)
	return out, nil
}

// GenerateSessionID returns an opaque short random string suitable as a
// session primary key.
func GenerateSessionID() (string, error) {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}
