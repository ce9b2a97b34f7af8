// Package auth implements the relayer's credential primitives: device API
// keys, password digests, TOTP verification and JWT session tokens.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/devpm/relay/internal/relayer/store"
)

// ErrInvalidKey is returned when no device matches the presented API key.
var ErrInvalidKey = errors.New("auth: invalid api key")

// dummyDigest is verified against on lookup misses so that validation cost
// does not reveal whether any key digest was tried. Digest of an unknowable
// random value.
var dummyDigest = mustHash("dev-pm-dummy-key-for-timing-equalisation")

func mustHash(s string) string {
	h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return string(h)
}

// GenerateAPIKey returns a new 64-hex-character device key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashAPIKey returns the bcrypt digest of a device key for storage.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(h), nil
}

// ValidateAPIKey finds the device owning the presented key. Every stored
// digest is checked and a dummy verification runs on a miss, so the time
// taken does not depend on whether or where a match occurred.
func ValidateAPIKey(ctx context.Context, s *store.Store, key string) (*store.Device, error) {
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var matched *store.Device
	for i := range devices {
		if bcrypt.CompareHashAndPassword([]byte(devices[i].APIKeyHash), []byte(key)) == nil {
			matched = &devices[i]
		}
	}
	if matched == nil {
		bcrypt.CompareHashAndPassword([]byte(dummyDigest), []byte(key))
		return nil, ErrInvalidKey
	}
	return matched, nil
}
