package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Session errors.
var (
	ErrInvalidToken  = errors.New("auth: invalid session token")
	ErrRefreshWindow = errors.New("auth: token too old to refresh")
)

// Claims is the session token payload. Subject carries the device id.
type Claims struct {
	AdminID string `json:"admin_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Session identifies an authenticated controller session.
type Session struct {
	DeviceID uuid.UUID
	AdminID  uuid.UUID
	Role     string
	IssuedAt time.Time
}

// CreateSessionToken mints an HS256 token for a device session.
func CreateSessionToken(secret []byte, deviceID, adminID uuid.UUID, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		AdminID: adminID.String(),
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// ValidateSessionToken verifies signature and expiry and returns the session.
func ValidateSessionToken(secret []byte, raw string) (*Session, error) {
	claims, err := parseToken(secret, raw, jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})))
	if err != nil {
		return nil, err
	}
	return sessionFromClaims(claims)
}

// RefreshSessionToken mints a fresh token from an expired one, as long as the
// old token's signature is valid and its expiry is within the grace window.
// Letting controllers refresh a recently expired token means a phone that
// slept past the TTL does not have to repeat the full TOTP login.
func RefreshSessionToken(secret []byte, raw string, grace, ttl time.Duration) (string, *Session, error) {
	claims, err := parseToken(secret, raw, jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	))
	if err != nil {
		return "", nil, err
	}
	if claims.ExpiresAt == nil {
		return "", nil, ErrInvalidToken
	}
	if claims.ExpiresAt.Time.Before(time.Now().UTC().Add(-grace)) {
		return "", nil, ErrRefreshWindow
	}
	sess, err := sessionFromClaims(claims)
	if err != nil {
		return "", nil, err
	}
	token, err := CreateSessionToken(secret, sess.DeviceID, sess.AdminID, sess.Role, ttl)
	if err != nil {
		return "", nil, err
	}
	return token, sess, nil
}

func parseToken(secret []byte, raw string, parser *jwt.Parser) (*Claims, error) {
	var claims Claims
	_, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return &claims, nil
}

func sessionFromClaims(claims *Claims) (*Session, error) {
	deviceID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}
	adminID, err := uuid.Parse(claims.AdminID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	sess := &Session{DeviceID: deviceID, AdminID: adminID, Role: claims.Role}
	if claims.IssuedAt != nil {
		sess.IssuedAt = claims.IssuedAt.Time
	}
	return sess, nil
}
