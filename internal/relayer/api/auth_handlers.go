package api

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/devpm/relay/common/redact"
	"github.com/devpm/relay/common/trace"
	"github.com/devpm/relay/internal/relayer/auth"
	"github.com/devpm/relay/internal/relayer/store"
)

// handleBootstrapDevice mints a pre-admin one-time device key. Only the
// executor key may call it, and only before setup has run.
func (s *Server) handleBootstrapDevice(w http.ResponseWriter, r *http.Request) {
	ident, err := s.authenticate(r)
	if err != nil || !ident.executor {
		writeError(w, http.StatusUnauthorized, "executor key required")
		return
	}
	exists, err := s.store.AdminExists(r.Context())
	if err != nil {
		s.internal(w, r, "check admin", err)
		return
	}
	if exists {
		writeError(w, http.StatusForbidden, "setup already completed")
		return
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		s.internal(w, r, "generate bootstrap key", err)
		return
	}
	digest, err := auth.HashAPIKey(key)
	if err != nil {
		s.internal(w, r, "hash bootstrap key", err)
		return
	}
	if _, err := s.store.CreateBootstrapKey(r.Context(), digest); err != nil {
		s.internal(w, r, "store bootstrap key", err)
		return
	}
	s.log.Info("bootstrap device key issued")
	writeJSON(w, http.StatusOK, map[string]string{"device_api_key": key})
}

func (s *Server) handleVerifyBootstrap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceAPIKey string `json:"device_api_key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	exists, err := s.store.AdminExists(r.Context())
	if err != nil {
		s.internal(w, r, "check admin", err)
		return
	}
	if exists {
		writeError(w, http.StatusForbidden, "setup already completed")
		return
	}
	_, found, err := s.matchBootstrapKey(r, req.DeviceAPIKey)
	if err != nil {
		s.internal(w, r, "verify bootstrap key", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": found})
}

// handleSetup creates the admin and the first controller device, consuming
// the presented bootstrap key.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceAPIKey string `json:"device_api_key"`
		Username     string `json:"username"`
		Password     string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceAPIKey == "" || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "device_api_key, username and password are required")
		return
	}

	exists, err := s.store.AdminExists(r.Context())
	if err != nil {
		s.internal(w, r, "check admin", err)
		return
	}
	if exists {
		writeError(w, http.StatusForbidden, "setup already completed")
		return
	}

	bootstrapID, found, err := s.matchBootstrapKey(r, req.DeviceAPIKey)
	if err != nil {
		s.internal(w, r, "match bootstrap key", err)
		return
	}
	if !found {
		writeError(w, http.StatusBadRequest, "unknown bootstrap key")
		return
	}

	passwordDigest, err := auth.HashPassword(s.cfg.PasswordSalt, req.Password)
	if err != nil {
		s.internal(w, r, "hash password", err)
		return
	}
	totpSecret, err := auth.GenerateTOTPSecret()
	if err != nil {
		s.internal(w, r, "generate totp secret", err)
		return
	}
	if _, err := s.store.Setup(r.Context(), bootstrapID, req.Username, passwordDigest, totpSecret); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "bootstrap key already consumed")
			return
		}
		s.internal(w, r, "setup", err)
		return
	}
	s.log.Info("setup completed", "username", req.Username)
	writeJSON(w, http.StatusOK, map[string]string{"totp_secret": totpSecret})
}

// handleLogin exchanges device key + password + TOTP for a session token.
// Every failure path performs at least one digest verification so timing
// does not reveal which credential was wrong.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceAPIKey string `json:"device_api_key"`
		Password     string `json:"password"`
		TOTPCode     string `json:"totp_code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	device, err := auth.ValidateAPIKey(r.Context(), s.store, req.DeviceAPIKey)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidKey) {
			// Equalise with the wrong-password path below.
			auth.VerifyPassword(s.cfg.PasswordSalt, req.Password, dummyPasswordDigest)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.internal(w, r, "validate api key", err)
		return
	}

	admin, err := s.store.GetAdmin(r.Context())
	if err != nil {
		s.internal(w, r, "load admin", err)
		return
	}
	if !auth.VerifyPassword(s.cfg.PasswordSalt, req.Password, admin.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !auth.VerifyTOTP(req.TOTPCode, admin.TOTPSecret) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.CreateSessionToken(s.cfg.JWTSecret, device.ID, admin.ID, device.Role, s.cfg.JWTTTL)
	if err != nil {
		s.internal(w, r, "create session", err)
		return
	}
	if err := s.store.TouchDevice(r.Context(), device.ID); err != nil {
		s.log.Warn("touch device", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(s.cfg.JWTTTL.Seconds()),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	token, _, err := auth.RefreshSessionToken(s.cfg.JWTSecret, req.Token, s.cfg.RefreshGrace, s.cfg.JWTTTL)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "token not refreshable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(s.cfg.JWTTTL.Seconds()),
	})
}

// handleRegisterDevice enrols a new controller device using a reserved code
// plus the admin password. Called by the executor CLI on behalf of the new
// device, so it requires the executor key.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	ident, err := s.authenticate(r)
	if err != nil || !ident.executor {
		writeError(w, http.StatusUnauthorized, "executor key required")
		return
	}
	var req struct {
		Code       string `json:"code"`
		Password   string `json:"password"`
		DeviceName string `json:"device_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "code and password are required")
		return
	}

	admin, err := s.store.GetAdmin(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, "setup not completed")
		return
	}
	if !auth.VerifyPassword(s.cfg.PasswordSalt, req.Password, admin.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := s.store.ConsumeRegistrationCode(r.Context(), req.Code); err != nil {
		switch {
		case errors.Is(err, store.ErrCodeExpired):
			writeError(w, http.StatusBadRequest, "registration code expired")
		case errors.Is(err, store.ErrCodeUsed):
			writeError(w, http.StatusBadRequest, "registration code already used")
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusBadRequest, "unknown registration code")
		default:
			s.internal(w, r, "consume registration code", err)
		}
		return
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		s.internal(w, r, "generate device key", err)
		return
	}
	digest, err := auth.HashAPIKey(key)
	if err != nil {
		s.internal(w, r, "hash device key", err)
		return
	}
	name := req.DeviceName
	if name == "" {
		name = "device"
	}
	device, err := s.store.CreateDevice(r.Context(), admin.ID, name, store.RoleController, digest)
	if err != nil {
		s.internal(w, r, "create device", err)
		return
	}
	s.log.Info("device registered", "device_id", device.ID, "name", name)
	writeJSON(w, http.StatusOK, map[string]string{
		"device_api_key": key,
		"totp_secret":    admin.TOTPSecret,
	})
}

// handleReserveCode issues a short-lived single-use registration code.
func (s *Server) handleReserveCode(w http.ResponseWriter, r *http.Request, ident *identity) {
	creator := ident.deviceID
	if ident.executor {
		// The executor holds no device row; attribute the code to the
		// admin's first device.
		devices, err := s.store.ListDevices(r.Context())
		if err != nil || len(devices) == 0 {
			writeError(w, http.StatusForbidden, "no registered devices")
			return
		}
		creator = devices[0].ID
	}

	code, err := generateRegistrationCode()
	if err != nil {
		s.internal(w, r, "generate code", err)
		return
	}
	expires := time.Now().UTC().Add(s.cfg.CodeTTL)
	if err := s.store.ReserveRegistrationCode(r.Context(), code, creator, expires); err != nil {
		s.internal(w, r, "reserve code", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       code,
		"expires_at": expires.Format(time.RFC3339),
	})
}

// matchBootstrapKey verifies the presented key against every stored
// bootstrap digest, returning the matching row id.
func (s *Server) matchBootstrapKey(r *http.Request, key string) (id uuid.UUID, found bool, err error) {
	keys, err := s.store.ListBootstrapKeys(r.Context())
	if err != nil {
		return id, false, err
	}
	for _, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.APIKeyHash), []byte(key)) == nil {
			return k.ID, true, nil
		}
	}
	// Dummy verify so misses cost the same as hits.
	bcrypt.CompareHashAndPassword([]byte(dummyPasswordDigest), []byte(key))
	return id, false, nil
}

// dummyPasswordDigest equalises verification cost on lookup misses.
var dummyPasswordDigest = func() string {
	h, err := bcrypt.GenerateFromPassword([]byte("dev-pm-dummy-login-digest"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return string(h)
}()

// Registration codes avoid ambiguous characters so they survive being read
// aloud or typed from a phone screen.
const codeAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

func generateRegistrationCode() (string, error) {
	buf := make([]byte, 8)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf[:4]) + "-" + string(buf[4:]), nil
}

func (s *Server) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.log.Error(op,
		"error", redact.Error(err, s.cfg.ExecutorAPIKey, string(s.cfg.JWTSecret)),
		"trace", trace.FromContext(r.Context()))
	writeError(w, http.StatusInternalServerError, "internal error")
}
