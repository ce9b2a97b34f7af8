package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// prehashDomain separates the client-side password prehash from other uses
// of the same password. Changing it invalidates all stored digests.
const prehashDomain = ":dev-pm-agent:"

// PrehashPassword computes the client-side password prehash: the hex SHA-256
// of the public client salt, a fixed domain separator and the password. The
// plaintext password never crosses the wire.
func PrehashPassword(clientSalt, password string) string {
	sum := sha256.Sum256([]byte(clientSalt + prehashDomain + password))
	return hex.EncodeToString(sum[:])
}

// HashPassword returns the server-side bcrypt digest of a client prehash,
// mixed with the server's private salt.
func HashPassword(serverSalt, prehash string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(serverSalt+prehash), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// VerifyPassword checks a client prehash against a stored digest.
func VerifyPassword(serverSalt, prehash, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(serverSalt+prehash)) == nil
}
