// Package api implements the relayer's HTTP surface and WebSocket endpoint.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/devpm/relay/common/trace"
	"github.com/devpm/relay/common/wire"
	"github.com/devpm/relay/internal/relayer/auth"
	"github.com/devpm/relay/internal/relayer/hub"
	"github.com/devpm/relay/internal/relayer/rpc"
	"github.com/devpm/relay/internal/relayer/store"
)

// Config carries the server's runtime settings.
type Config struct {
	JWTSecret      []byte
	ExecutorAPIKey string
	PasswordSalt   string
	JWTTTL         time.Duration
	RefreshGrace   time.Duration
	CodeTTL        time.Duration
	CORSOrigins    []string

	// File RPC deadlines. Zero values fall back to the defaults below.
	ReadTimeout   time.Duration
	SearchTimeout time.Duration
}

const (
	defaultReadTimeout   = 15 * time.Second
	defaultSearchTimeout = 120 * time.Second
	maxInputBytes        = 4096
	commandListLimit     = 100
)

// Auth endpoints replenish one request per 15 s with a burst of 5 per IP.
var authRateLimit = rate.Every(15 * time.Second)

const authRateBurst = 5

// Server is the relayer's HTTP and WebSocket front end.
type Server struct {
	cfg      Config
	store    *store.Store
	hub      *hub.Hub
	reads    *rpc.Table[string]
	searches *rpc.Table[[]wire.FileSearchMatch]
	log      *slog.Logger
	mux      *http.ServeMux

	modelsMu sync.RWMutex
	models   []string

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New builds a Server with its routes registered.
func New(cfg Config, st *store.Store, h *hub.Hub, log *slog.Logger) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.SearchTimeout == 0 {
		cfg.SearchTimeout = defaultSearchTimeout
	}
	s := &Server{
		cfg:      cfg,
		store:    st,
		hub:      h,
		reads:    rpc.NewTable[string](),
		searches: rpc.NewTable[[]wire.FileSearchMatch](),
		log:      log,
		mux:      http.NewServeMux(),
		limiters: make(map[string]*rate.Limiter),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	s.mux.HandleFunc("POST /api/auth/bootstrap-device", s.rateLimited(s.handleBootstrapDevice))
	s.mux.HandleFunc("POST /api/auth/verify-bootstrap", s.rateLimited(s.handleVerifyBootstrap))
	s.mux.HandleFunc("POST /api/auth/setup", s.rateLimited(s.handleSetup))
	s.mux.HandleFunc("POST /api/auth/login", s.rateLimited(s.handleLogin))
	s.mux.HandleFunc("POST /api/auth/refresh", s.rateLimited(s.handleRefresh))
	s.mux.HandleFunc("POST /api/auth/register-device", s.rateLimited(s.handleRegisterDevice))

	s.mux.HandleFunc("POST /api/devices/reserve-code", s.authed(s.handleReserveCode))

	s.mux.HandleFunc("POST /api/commands", s.authed(s.handleCreateCommand))
	s.mux.HandleFunc("GET /api/commands", s.authed(s.handleListCommands))
	s.mux.HandleFunc("GET /api/commands/{id}", s.authed(s.handleGetCommand))
	s.mux.HandleFunc("PATCH /api/commands/{id}", s.authed(s.handleUpdateCommand))
	s.mux.HandleFunc("POST /api/commands/{id}/cancel", s.authed(s.handleCancelCommand))
	s.mux.HandleFunc("DELETE /api/commands/{id}", s.authed(s.handleDeleteCommand))

	s.mux.HandleFunc("GET /api/repos", s.authed(s.handleListRepos))
	s.mux.HandleFunc("POST /api/repos", s.authed(s.handleAddRepo))
	s.mux.HandleFunc("POST /api/repos/sync", s.authed(s.handleSyncRepos))

	s.mux.HandleFunc("GET /api/models", s.authed(s.handleListModels))
	s.mux.HandleFunc("POST /api/models", s.authed(s.handleSyncModels))

	s.mux.HandleFunc("GET /api/files/read", s.authed(s.handleFileRead))
	s.mux.HandleFunc("POST /api/files/read/response", s.authed(s.handleFileReadResponse))
	s.mux.HandleFunc("GET /api/files/search", s.authed(s.handleFileSearch))
	s.mux.HandleFunc("POST /api/files/search/response", s.authed(s.handleFileSearchResponse))

	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// ServeHTTP tags the request with a trace ID, applies CORS and dispatches
// to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := trace.GenerateID()
	r = r.WithContext(trace.WithTraceID(r.Context(), traceID))
	w.Header().Set("X-Request-Id", traceID)

	if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// identity is the authenticated caller of an /api request. Executor callers
// hold the shared executor key and have no device of their own.
type identity struct {
	deviceID uuid.UUID
	adminID  uuid.UUID
	role     string
	executor bool
}

// authenticate resolves the bearer token to an identity. The executor key is
// compared in constant time before any session parsing.
func (s *Server) authenticate(r *http.Request) (*identity, error) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, errors.New("missing bearer token")
	}
	return s.identityForToken(r.Context(), token)
}

func (s *Server) identityForToken(ctx context.Context, token string) (*identity, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.ExecutorAPIKey)) == 1 {
		ident := &identity{role: store.RoleExecutor, executor: true}
		admin, err := s.store.GetAdmin(ctx)
		if err == nil {
			ident.adminID = admin.ID
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return ident, nil
	}
	sess, err := auth.ValidateSessionToken(s.cfg.JWTSecret, token)
	if err != nil {
		return nil, err
	}
	return &identity{deviceID: sess.DeviceID, adminID: sess.AdminID, role: sess.Role}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// authed wraps a handler with bearer authentication.
func (s *Server) authed(next func(http.ResponseWriter, *http.Request, *identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
			return
		}
		next(w, r, ident)
	}
}

// rateLimited wraps a handler with the per-IP auth rate limit.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allowAuth(remoteIP(r)) {
			writeError(w, http.StatusTooManyRequests, "too many auth attempts")
			return
		}
		next(w, r)
	}
}

func (s *Server) allowAuth(ip string) bool {
	s.limiterMu.Lock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(authRateLimit, authRateBurst)
		s.limiters[ip] = lim
	}
	s.limiterMu.Unlock()
	return lim.Allow()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// broadcast publishes a hub event, logging rather than failing the request
// when the payload cannot be built.
func (s *Server) broadcast(msgType string, payload any) {
	s.hub.Publish(hub.Event{Type: msgType, Payload: payload})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"reason": reason})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}
