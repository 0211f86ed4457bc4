package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync/atomic"
)

const minSecretLength = 16

// ErrSecretTooShort is returned when a rotation candidate is under 16 bytes.
var ErrSecretTooShort = errors.New("security: secret must be at least 16 bytes")

// ErrNoActiveSecret is returned when verification runs with an empty ring.
var ErrNoActiveSecret = errors.New("security: no active webhook secret configured")

type keyPair struct {
	current  string
	previous string
}

// KeyRing holds the current and previous webhook HMAC secrets. Reads happen on
// every inbound request while writes are rare admin rotations, so the pair is
// swapped atomically as a unit.
type KeyRing struct {
	pair atomic.Pointer[keyPair]
}

// NewKeyRing builds a ring from the configured secrets. previous may be empty.
func NewKeyRing(current, previous string) (*KeyRing, error) {
	current = strings.TrimSpace(current)
	previous = strings.TrimSpace(previous)
	if current != "" && len(current) < minSecretLength {
		return nil, ErrSecretTooShort
	}
	if previous != "" && len(previous) < minSecretLength {
		return nil, ErrSecretTooShort
	}
	ring := &KeyRing{}
	ring.pair.Store(&keyPair{current: current, previous: previous})
	return ring, nil
}

// Rotate installs newSecret as current and demotes the old current to previous.
func (k *KeyRing) Rotate(newSecret string) error {
	newSecret = strings.TrimSpace(newSecret)
	if len(newSecret) < minSecretLength {
		return ErrSecretTooShort
	}
	old := k.pair.Load()
	k.pair.Store(&keyPair{current: newSecret, previous: old.current})
	return nil
}

// VerifySignature checks a "sha256=<hex>" header over the raw body against the
// current key, falling back to the previous key so rotation is lossless.
// Comparisons are constant-time.
func (k *KeyRing) VerifySignature(body []byte, header string) error {
	pair := k.pair.Load()
	if pair.current == "" {
		return ErrNoActiveSecret
	}
	header = strings.TrimSpace(header)
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return errors.New("security: malformed signature header")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return errors.New("security: malformed signature hex")
	}

	if signatureMatches(pair.current, body, got) {
		return nil
	}
	if pair.previous != "" && signatureMatches(pair.previous, body, got) {
		return nil
	}
	return errors.New("security: signature mismatch")
}

func signatureMatches(secret string, body, got []byte) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

// Sign computes the signature header value for a body with the current key.
// Used by admin test tooling and the webhook tests.
func (k *KeyRing) Sign(body []byte) string {
	pair := k.pair.Load()
	mac := hmac.New(sha256.New, []byte(pair.current))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
