package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devpm/relay/common/wire"
	"github.com/devpm/relay/internal/relayer/auth"
	"github.com/devpm/relay/internal/relayer/hub"
	"github.com/devpm/relay/internal/relayer/store"
)

const testExecutorKey = "test-executor-key"

type testEnv struct {
	ts  *httptest.Server
	st  *store.Store
	hub *hub.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	h := hub.New()
	srv := New(Config{
		JWTSecret:      []byte("test-secret"),
		ExecutorAPIKey: testExecutorKey,
		PasswordSalt:   "server-salt",
		JWTTTL:         time.Hour,
		RefreshGrace:   24 * time.Hour,
		CodeTTL:        10 * time.Minute,
		ReadTimeout:    500 * time.Millisecond,
		SearchTimeout:  500 * time.Millisecond,
	}, st, h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		st.Close()
	})
	return &testEnv{ts: ts, st: st, hub: h}
}

func (e *testEnv) request(t *testing.T, method, path, bearer string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	json.Unmarshal(data, &decoded)
	return resp, decoded
}

// bootstrapAndSetup runs the cold-boot flow and returns the first device's
// key and the TOTP secret.
func (e *testEnv) bootstrapAndSetup(t *testing.T) (deviceKey, totpSecret string) {
	t.Helper()
	resp, body := e.request(t, "POST", "/api/auth/bootstrap-device", testExecutorKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bootstrap-device status = %d", resp.StatusCode)
	}
	deviceKey, _ = body["device_api_key"].(string)
	if len(deviceKey) != 64 {
		t.Fatalf("device key length = %d, want 64", len(deviceKey))
	}

	resp, body = e.request(t, "POST", "/api/auth/setup", "", map[string]string{
		"device_api_key": deviceKey,
		"username":       "alice",
		"password":       auth.PrehashPassword("client-salt", "hunter2"),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("setup status = %d: %v", resp.StatusCode, body)
	}
	totpSecret, _ = body["totp_secret"].(string)
	if totpSecret == "" {
		t.Fatal("setup returned no totp secret")
	}
	return deviceKey, totpSecret
}

func (e *testEnv) login(t *testing.T, deviceKey, totpSecret string) string {
	t.Helper()
	code, err := auth.TOTPCode(totpSecret, time.Now().UTC())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	resp, body := e.request(t, "POST", "/api/auth/login", "", map[string]string{
		"device_api_key": deviceKey,
		"password":       auth.PrehashPassword("client-salt", "hunter2"),
		"totp_code":      code,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d: %v", resp.StatusCode, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "ok" {
		t.Fatalf("health body = %q, want ok", data)
	}
}

func TestColdBootAndSetup(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.request(t, "POST", "/api/auth/bootstrap-device", testExecutorKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bootstrap status = %d", resp.StatusCode)
	}
	key := body["device_api_key"].(string)

	resp, body = e.request(t, "POST", "/api/auth/verify-bootstrap", "", map[string]string{"device_api_key": key})
	if resp.StatusCode != http.StatusOK || body["valid"] != true {
		t.Fatalf("verify-bootstrap = %d %v", resp.StatusCode, body)
	}

	resp, _ = e.request(t, "POST", "/api/auth/setup", "", map[string]string{
		"device_api_key": key,
		"username":       "alice",
		"password":       auth.PrehashPassword("client-salt", "hunter2"),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("setup status = %d", resp.StatusCode)
	}

	// A second setup with the same key is forbidden: admin exists and the
	// bootstrap row is gone.
	resp, _ = e.request(t, "POST", "/api/auth/setup", "", map[string]string{
		"device_api_key": key,
		"username":       "bob",
		"password":       "x",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("second setup status = %d, want 403", resp.StatusCode)
	}
}

func TestBootstrapDeviceRequiresExecutorKey(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.request(t, "POST", "/api/auth/bootstrap-device", "wrong-key", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginAndRefresh(t *testing.T) {
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)

	resp, body := e.request(t, "POST", "/api/auth/refresh", "", map[string]string{"token": token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d: %v", resp.StatusCode, body)
	}
	if body["token"] == "" {
		t.Fatal("refresh returned no token")
	}
}

func TestLoginWrongTOTP(t *testing.T) {
	e := newTestEnv(t)
	key, _ := e.bootstrapAndSetup(t)
	resp, _ := e.request(t, "POST", "/api/auth/login", "", map[string]string{
		"device_api_key": key,
		"password":       auth.PrehashPassword("client-salt", "hunter2"),
		"totp_code":      "000000",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthRateLimit(t *testing.T) {
	e := newTestEnv(t)
	var last int
	for i := 0; i < authRateBurst+1; i++ {
		resp, _ := e.request(t, "POST", "/api/auth/login", "", map[string]string{
			"device_api_key": "nope", "password": "nope", "totp_code": "000000",
		})
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("status after burst = %d, want 429", last)
	}
}

func TestCommandLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)

	resp, body := e.request(t, "POST", "/api/commands", token, map[string]any{"input": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d: %v", resp.StatusCode, body)
	}
	id := body["id"].(string)
	if body["status"] != "pending" {
		t.Fatalf("status = %v, want pending", body["status"])
	}

	// Controllers may not PATCH.
	resp, _ = e.request(t, "PATCH", "/api/commands/"+id, token, map[string]any{"status": "running"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("controller patch status = %d, want 403", resp.StatusCode)
	}

	// The executor drives the lifecycle.
	resp, _ = e.request(t, "PATCH", "/api/commands/"+id, testExecutorKey, map[string]any{
		"status": "running", "output": "working",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("running patch status = %d", resp.StatusCode)
	}
	resp, body = e.request(t, "PATCH", "/api/commands/"+id, testExecutorKey, map[string]any{
		"status": "done", "output": "OK", "summary": "- did it",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("done patch status = %d", resp.StatusCode)
	}

	// Terminal commands reject further status changes.
	resp, _ = e.request(t, "PATCH", "/api/commands/"+id, testExecutorKey, map[string]any{"status": "running"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("patch after done = %d, want 409", resp.StatusCode)
	}

	resp, body = e.request(t, "GET", "/api/commands/"+id, token, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "done" || body["output"] != "OK" {
		t.Fatalf("get = %d %v", resp.StatusCode, body)
	}

	resp, _ = e.request(t, "DELETE", "/api/commands/"+id, token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestCommandInputLimit(t *testing.T) {
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)

	resp, _ := e.request(t, "POST", "/api/commands", token, map[string]any{
		"input": strings.Repeat("x", maxInputBytes+1),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelCommand(t *testing.T) {
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)

	_, body := e.request(t, "POST", "/api/commands", token, map[string]any{"input": "task"})
	id := body["id"].(string)

	resp, body := e.request(t, "POST", "/api/commands/"+id+"/cancel", token, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "cancelled" {
		t.Fatalf("cancel = %d %v", resp.StatusCode, body)
	}
}

func TestRepoValidation(t *testing.T) {
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)

	for _, bad := range []string{"/tmp/foo", "~/repos_backup", "/x/repos/../../etc/passwd"} {
		resp, _ := e.request(t, "POST", "/api/repos", token, map[string]string{"path": bad})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("add repo %q status = %d, want 400", bad, resp.StatusCode)
		}
	}
	for _, good := range []string{"~/repos/foo", "~/repos/a/b"} {
		resp, _ := e.request(t, "POST", "/api/repos", token, map[string]string{"path": good})
		if resp.StatusCode != http.StatusOK {
			t.Errorf("add repo %q status = %d, want 200", good, resp.StatusCode)
		}
	}
}

func TestRepoSyncExecutorOnly(t *testing.T) {
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)

	resp, _ := e.request(t, "POST", "/api/repos/sync", token, map[string]any{"paths": []string{"~/repos/a"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("controller sync status = %d, want 403", resp.StatusCode)
	}
	resp, body := e.request(t, "POST", "/api/repos/sync", testExecutorKey, map[string]any{
		"paths": []string{"~/repos/a", "~/repos/b"},
	})
	if resp.StatusCode != http.StatusOK || body["synced"] != float64(2) {
		t.Fatalf("executor sync = %d %v", resp.StatusCode, body)
	}
}

func TestModelInventory(t *testing.T) {
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)

	resp, _ := e.request(t, "POST", "/api/models", testExecutorKey, map[string]any{
		"models": []string{"fast-1", "smart-2"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync models status = %d", resp.StatusCode)
	}
	resp, body := e.request(t, "GET", "/api/models", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list models status = %d", resp.StatusCode)
	}
	models := body["models"].([]any)
	if len(models) != 2 || models[0] != "fast-1" {
		t.Fatalf("models = %v", models)
	}
}

func dialWS(t *testing.T, e *testEnv, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	env, err := wire.NewEnvelope(wire.TypeAuth, wire.AuthPayload{Token: token})
	if err != nil {
		t.Fatalf("auth envelope: %v", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	reply := readEnvelope(t, conn)
	if reply.Type != wire.TypeAuthOK {
		t.Fatalf("auth reply type = %q, want auth_ok", reply.Type)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *wire.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, err := wire.ParseEnvelope(data)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	return env
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	e := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()
	env, _ := wire.NewEnvelope(wire.TypeAuth, wire.AuthPayload{Token: "garbage"})
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	reply := readEnvelope(t, conn)
	if reply.Type != wire.TypeAuthFail {
		t.Fatalf("reply type = %q, want auth_fail", reply.Type)
	}
}

func TestCommandBroadcastOverWebSocket(t *testing.T) {
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)

	controller := dialWS(t, e, token)
	defer controller.Close()
	executor := dialWS(t, e, testExecutorKey)
	defer executor.Close()

	_, body := e.request(t, "POST", "/api/commands", token, map[string]any{"input": "hi"})
	id := body["id"].(string)

	for _, conn := range []*websocket.Conn{controller, executor} {
		env := readEnvelope(t, conn)
		if env.Type != wire.TypeCommandNew {
			t.Fatalf("type = %q, want command_new", env.Type)
		}
		var payload wire.CommandNewPayload
		if err := env.Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.ID.String() != id {
			t.Fatalf("broadcast id = %s, want %s", payload.ID, id)
		}
	}

	e.request(t, "PATCH", "/api/commands/"+id, testExecutorKey, map[string]any{"status": "running"})
	e.request(t, "PATCH", "/api/commands/"+id, testExecutorKey, map[string]any{"status": "done", "output": "OK"})

	var last wire.CommandUpdatePayload
	for i := 0; i < 2; i++ {
		env := readEnvelope(t, controller)
		if env.Type != wire.TypeCommandUpdate {
			t.Fatalf("type = %q, want command_update", env.Type)
		}
		if err := env.Decode(&last); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	if last.Status != "done" || last.Output == nil || *last.Output != "OK" {
		t.Fatalf("final update = %+v", last)
	}
}

func TestChatHistoryAttachedOnResume(t *testing.T) {
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)

	_, body := e.request(t, "POST", "/api/commands", token, map[string]any{
		"input": "first", "cursor_chat_id": "chat-1",
	})
	firstID := body["id"].(string)
	e.request(t, "PATCH", "/api/commands/"+firstID, testExecutorKey, map[string]any{
		"status": "done", "output": "first answer",
	})

	conn := dialWS(t, e, token)
	defer conn.Close()

	e.request(t, "POST", "/api/commands", token, map[string]any{
		"input": "second", "cursor_chat_id": "chat-1",
	})
	env := readEnvelope(t, conn)
	var payload wire.CommandNewPayload
	if err := env.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.ChatHistory) != 1 {
		t.Fatalf("chat history = %d entries, want 1", len(payload.ChatHistory))
	}
	if payload.ChatHistory[0].Input != "first" || payload.ChatHistory[0].Output == nil || *payload.ChatHistory[0].Output != "first answer" {
		t.Fatalf("history entry = %+v", payload.ChatHistory[0])
	}
}

func TestFileReadRPC(t *testing.T) {
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)

	executor := dialWS(t, e, testExecutorKey)
	defer executor.Close()

	// The executor answers the broadcast in the background.
	go func() {
		env := readEnvelope(t, executor)
		var req wire.FileReadRequestPayload
		if env.Decode(&req) != nil {
			return
		}
		e.request(t, "POST", "/api/files/read/response", testExecutorKey, map[string]any{
			"request_id": req.RequestID.String(),
			"content":    "# hello",
		})
	}()

	resp, body := e.request(t, "GET", "/api/files/read?repo_path=~/repos/x&file_path=README.md", token, nil)
	if resp.StatusCode != http.StatusOK || body["content"] != "# hello" {
		t.Fatalf("file read = %d %v", resp.StatusCode, body)
	}
}

func TestFileReadTimeout(t *testing.T) {
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)

	resp, _ := e.request(t, "GET", "/api/files/read?repo_path=~/repos/x&file_path=README.md", token, nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
}

func TestLateFileResponseGets404(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.request(t, "POST", "/api/files/read/response", testExecutorKey, map[string]any{
		"request_id": "5f0c1a52-0000-4000-8000-000000000000",
		"content":    "late",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestReserveCode(t *testing.T) {
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)

	resp, body := e.request(t, "POST", "/api/devices/reserve-code", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reserve status = %d", resp.StatusCode)
	}
	code, _ := body["code"].(string)
	if len(code) != 9 || code[4] != '-' {
		t.Fatalf("code format = %q", code)
	}

	resp, body = e.request(t, "POST", "/api/auth/register-device", testExecutorKey, map[string]string{
		"code":        code,
		"password":    auth.PrehashPassword("client-salt", "hunter2"),
		"device_name": "phone",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register-device = %d %v", resp.StatusCode, body)
	}
	newKey, _ := body["device_api_key"].(string)
	if len(newKey) != 64 {
		t.Fatalf("new device key length = %d", len(newKey))
	}
	if body["totp_secret"] != secret {
		t.Fatal("register-device did not return the admin totp secret")
	}

	// Codes are single-use.
	resp, _ = e.request(t, "POST", "/api/auth/register-device", testExecutorKey, map[string]string{
		"code":     code,
		"password": auth.PrehashPassword("client-salt", "hunter2"),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reused code status = %d, want 400", resp.StatusCode)
	}

	// The new device exists alongside the first.
	devices, err := e.st.ListDevices(t.Context())
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(devices))
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	e := newTestEnv(t)
	for _, route := range []string{"/api/commands", "/api/repos", "/api/models"} {
		resp, err := http.Get(e.ts.URL + route)
		if err != nil {
			t.Fatalf("get %s: %v", route, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", route, resp.StatusCode)
		}
	}
}

func TestCORSHeaders(t *testing.T) {
	st, _ := store.Open(":memory:")
	defer st.Close()
	srv := New(Config{
		JWTSecret:      []byte("s"),
		ExecutorAPIKey: "e",
		PasswordSalt:   "p",
		CORSOrigins:    []string{"http://localhost:5173"},
	}, st, hub.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest("OPTIONS", "/api/commands", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow-origin = %q", got)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}

	req = httptest.NewRequest("OPTIONS", "/api/commands", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}

func TestReserveCodeRateIndependent(t *testing.T) {
	// Reserve-code sits outside /api/auth and must not consume the auth
	// budget.
	e := newTestEnv(t)
	key, secret := e.bootstrapAndSetup(t)
	token := e.login(t, key, secret)
	for i := 0; i < authRateBurst+2; i++ {
		resp, _ := e.request(t, "POST", "/api/devices/reserve-code", token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("reserve %d status = %d", i, resp.StatusCode)
		}
	}
}
