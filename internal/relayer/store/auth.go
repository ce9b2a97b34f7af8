package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Device roles.
const (
	RoleExecutor   = "executor"
	RoleController = "controller"
)

// Admin is the single administrative principal of a deployment.
type Admin struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	TOTPSecret   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Device is a trust grant belonging to the admin.
type Device struct {
	ID           uuid.UUID
	AdminID      uuid.UUID
	Name         string
	Role         string
	APIKeyHash   string
	RegisteredAt time.Time
	LastSeenAt   time.Time
}

// BootstrapKey is a pre-admin one-time device key (digest only).
type BootstrapKey struct {
	ID         uuid.UUID
	APIKeyHash string
	CreatedAt  time.Time
}

// RegistrationCode is a short-lived single-use device enrolment code.
type RegistrationCode struct {
	ID                uuid.UUID
	Code              string
	CreatedByDeviceID uuid.UUID
	Used              bool
	ExpiresAt         time.Time
	CreatedAt         time.Time
}

// AdminExists reports whether setup has been completed.
func (s *Store) AdminExists(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin`).Scan(&count); err != nil {
		return false, fmt.Errorf("count admin: %w", err)
	}
	return count > 0, nil
}

// GetAdmin returns the deployment's admin. Single-admin assumption: at most
// one row exists; LIMIT 1 guards against undefined extra rows.
func (s *Store) GetAdmin(ctx context.Context) (*Admin, error) {
	var a Admin
	var id, created, updated string
	err := s.db.QueryRowContext(ctx, `
SELECT id, username, password_hash, totp_secret, created_at, updated_at
FROM admin LIMIT 1
`).Scan(&id, &a.Username, &a.PasswordHash, &a.TOTPSecret, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query admin: %w", err)
	}
	a.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse admin id: %w", err)
	}
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

// CreateBootstrapKey stores the digest of a pre-admin one-time device key.
func (s *Store) CreateBootstrapKey(ctx context.Context, apiKeyHash string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bootstrap_devices (id, api_key_hash, created_at) VALUES (?, ?, ?)
`, id.String(), apiKeyHash, now())
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert bootstrap key: %w", err)
	}
	return id, nil
}

// ListBootstrapKeys returns all unconsumed bootstrap keys.
func (s *Store) ListBootstrapKeys(ctx context.Context) ([]BootstrapKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, api_key_hash, created_at FROM bootstrap_devices ORDER BY created_at
`)
	if err != nil {
		return nil, fmt.Errorf("query bootstrap keys: %w", err)
	}
	defer rows.Close()

	var keys []BootstrapKey
	for rows.Next() {
		var k BootstrapKey
		var id, created string
		if err := rows.Scan(&id, &k.APIKeyHash, &created); err != nil {
			return nil, fmt.Errorf("scan bootstrap key: %w", err)
		}
		k.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse bootstrap key id: %w", err)
		}
		k.CreatedAt = parseTime(created)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Setup creates the admin and its first controller device inside one
// transaction, consuming the bootstrap key row whose digest becomes the
// device's stored key digest. The bootstrap row may never be used again.
func (s *Store) Setup(ctx context.Context, bootstrapID uuid.UUID, username, passwordHash, totpSecret string) (*Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin setup: %w", err)
	}
	defer tx.Rollback()

	var keyHash string
	err = tx.QueryRowContext(ctx, `
SELECT api_key_hash FROM bootstrap_devices WHERE id = ?
`, bootstrapID.String()).Scan(&keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query bootstrap key: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bootstrap_devices WHERE id = ?`, bootstrapID.String()); err != nil {
		return nil, fmt.Errorf("consume bootstrap key: %w", err)
	}

	adminID := uuid.New()
	deviceID := uuid.New()
	ts := now()

	_, err = tx.ExecContext(ctx, `
INSERT INTO admin (id, username, password_hash, totp_secret, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`, adminID.String(), username, passwordHash, totpSecret, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert admin: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO devices (id, admin_id, name, role, api_key_hash, registered_at, last_seen_at)
VALUES (?, ?, 'default', 'controller', ?, ?, ?)
`, deviceID.String(), adminID.String(), keyHash, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert first device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit setup: %w", err)
	}
	return &Device{
		ID:           deviceID,
		AdminID:      adminID,
		Name:         "default",
		Role:         RoleController,
		APIKeyHash:   keyHash,
		RegisteredAt: parseTime(ts),
		LastSeenAt:   parseTime(ts),
	}, nil
}

// CreateDevice registers a new device under the admin.
func (s *Store) CreateDevice(ctx context.Context, adminID uuid.UUID, name, role, apiKeyHash string) (*Device, error) {
	id := uuid.New()
	ts := now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO devices (id, admin_id, name, role, api_key_hash, registered_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, id.String(), adminID.String(), name, role, apiKeyHash, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	return &Device{
		ID:           id,
		AdminID:      adminID,
		Name:         name,
		Role:         role,
		APIKeyHash:   apiKeyHash,
		RegisteredAt: parseTime(ts),
		LastSeenAt:   parseTime(ts),
	}, nil
}

// GetDevice returns a device by id.
func (s *Store) GetDevice(ctx context.Context, id uuid.UUID) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, admin_id, name, role, api_key_hash, registered_at, last_seen_at
FROM devices WHERE id = ?
`, id.String())
	return scanDevice(row)
}

// ListDevices returns every registered device. Credential validation iterates
// this list so that lookup work is independent of which key matched.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, admin_id, name, role, api_key_hash, registered_at, last_seen_at
FROM devices ORDER BY registered_at
`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// TouchDevice updates the device's last-seen timestamp.
func (s *Store) TouchDevice(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE devices SET last_seen_at = ? WHERE id = ?
`, now(), id.String())
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// ReserveRegistrationCode inserts a new single-use enrolment code.
func (s *Store) ReserveRegistrationCode(ctx context.Context, code string, createdBy uuid.UUID, expiresAt time.Time) error {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO device_registration_codes (id, code, created_by_device_id, used, expires_at, created_at)
VALUES (?, ?, ?, 0, ?, ?)
`, id.String(), code, createdBy.String(), expiresAt.UTC().Format(timeLayout), now())
	if err != nil {
		return fmt.Errorf("insert registration code: %w", err)
	}
	return nil
}

// GetRegistrationCode fetches a code row without consuming it.
func (s *Store) GetRegistrationCode(ctx context.Context, code string) (*RegistrationCode, error) {
	var rc RegistrationCode
	var id, createdBy, expires, created string
	var used int
	err := s.db.QueryRowContext(ctx, `
SELECT id, code, created_by_device_id, used, expires_at, created_at
FROM device_registration_codes WHERE code = ?
`, code).Scan(&id, &rc.Code, &createdBy, &used, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query registration code: %w", err)
	}
	rc.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse code id: %w", err)
	}
	rc.CreatedByDeviceID, err = uuid.Parse(createdBy)
	if err != nil {
		return nil, fmt.Errorf("parse code creator id: %w", err)
	}
	rc.Used = used != 0
	rc.ExpiresAt = parseTime(expires)
	rc.CreatedAt = parseTime(created)
	return &rc, nil
}

// ConsumeRegistrationCode marks a code as used (single-use semantics).
// Returns ErrCodeUsed when the code was already burned, ErrCodeExpired when
// its TTL has elapsed, and ErrNotFound for unknown codes.
func (s *Store) ConsumeRegistrationCode(ctx context.Context, code string) error {
	rc, err := s.GetRegistrationCode(ctx, code)
	if err != nil {
		return err
	}
	if rc.Used {
		return ErrCodeUsed
	}
	if time.Now().UTC().After(rc.ExpiresAt) {
		return ErrCodeExpired
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE device_registration_codes SET used = 1 WHERE code = ? AND used = 0
`, code)
	if err != nil {
		return fmt.Errorf("consume registration code: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrCodeUsed
	}
	return nil
}

// PruneExpiredCodes deletes registration codes that have expired or been
// used. Intended to run periodically from the relayer entrypoint.
func (s *Store) PruneExpiredCodes(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM device_registration_codes WHERE expires_at < ? OR used = 1
`, now())
	if err != nil {
		return fmt.Errorf("prune registration codes: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var id, adminID, registered, lastSeen string
	err := row.Scan(&id, &adminID, &d.Name, &d.Role, &d.APIKeyHash, &registered, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse device id: %w", err)
	}
	d.AdminID, err = uuid.Parse(adminID)
	if err != nil {
		return nil, fmt.Errorf("parse device admin id: %w", err)
	}
	d.RegisteredAt = parseTime(registered)
	d.LastSeenAt = parseTime(lastSeen)
	return &d, nil
}
