package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devpm/relay/internal/executor/config"
	"github.com/devpm/relay/internal/relayer/api"
	"github.com/devpm/relay/internal/relayer/auth"
	"github.com/devpm/relay/internal/relayer/hub"
	"github.com/devpm/relay/internal/relayer/store"
)

const testExecutorKey = "relay-test-executor-key"

// scriptedRunner fakes the agent binary for end-to-end daemon tests.
type scriptedRunner struct {
	models    []string
	streamErr error
}

func (r *scriptedRunner) RunText(_ context.Context, _, _, prompt string) (string, error) {
	if strings.Contains(prompt, "Output to summarize") {
		return "## Task\n- completed", nil
	}
	return `{"cursor_prompt": "translated"}`, nil
}

func (r *scriptedRunner) CreateChat(context.Context) (string, error) { return "chat-1", nil }

func (r *scriptedRunner) RunStream(_ context.Context, _, _, _, _ string, onLine func([]byte)) error {
	if r.streamErr != nil {
		return r.streamErr
	}
	onLine([]byte(`{"type":"result","result":"stream output"}`))
	return nil
}

func (r *scriptedRunner) ListModels(context.Context) ([]string, error) { return r.models, nil }

type relayerEnv struct {
	ts *httptest.Server
	st *store.Store
}

func newRelayerEnv(t *testing.T) *relayerEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	srv := api.New(api.Config{
		JWTSecret:      []byte("test-secret"),
		ExecutorAPIKey: testExecutorKey,
		PasswordSalt:   "salt",
		JWTTTL:         time.Hour,
		RefreshGrace:   24 * time.Hour,
		CodeTTL:        10 * time.Minute,
		ReadTimeout:    2 * time.Second,
		SearchTimeout:  2 * time.Second,
	}, st, hub.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		st.Close()
	})
	return &relayerEnv{ts: ts, st: st}
}

func (e *relayerEnv) request(t *testing.T, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
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
	return resp.StatusCode, decoded
}

func (e *relayerEnv) setupAndLogin(t *testing.T) string {
	t.Helper()
	_, body := e.request(t, "POST", "/api/auth/bootstrap-device", testExecutorKey, nil)
	key := body["device_api_key"].(string)
	status, _ := e.request(t, "POST", "/api/auth/setup", "", map[string]string{
		"device_api_key": key,
		"username":       "alice",
		"password":       auth.PrehashPassword("cs", "pw"),
	})
	if status != http.StatusOK {
		t.Fatalf("setup status = %d", status)
	}
	admin, err := e.st.GetAdmin(t.Context())
	if err != nil {
		t.Fatalf("get admin: %v", err)
	}
	code, err := auth.TOTPCode(admin.TOTPSecret, time.Now().UTC())
	if err != nil {
		t.Fatalf("totp: %v", err)
	}
	status, body = e.request(t, "POST", "/api/auth/login", "", map[string]string{
		"device_api_key": key,
		"password":       auth.PrehashPassword("cs", "pw"),
		"totp_code":      code,
	})
	if status != http.StatusOK {
		t.Fatalf("login status = %d", status)
	}
	return body["token"].(string)
}

func daemonConfig(e *relayerEnv) *config.Config {
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	return &config.Config{
		RelayerWSURL:    wsURL,
		RelayerHTTPURL:  e.ts.URL,
		ExecutorAPIKey:  testExecutorKey,
		DefaultRepo:     "~/repos/default",
		TranslatorModel: "fast-1",
		WorkloadModel:   "smart-2",
	}
}

func startDaemon(t *testing.T, e *relayerEnv, runner *scriptedRunner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d := NewDaemon(daemonConfig(e), runner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go d.Run(ctx)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDaemonAdvertisesReposAndModels(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	os.MkdirAll(filepath.Join(home, "repos", "alpha"), 0o755)
	os.MkdirAll(filepath.Join(home, "repos", "beta"), 0o755)

	e := newRelayerEnv(t)
	token := e.setupAndLogin(t)
	startDaemon(t, e, &scriptedRunner{models: []string{"fast-1", "smart-2"}})

	admin, err := e.st.GetAdmin(t.Context())
	if err != nil {
		t.Fatalf("get admin: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		repos, err := e.st.ListRepos(t.Context(), admin.ID)
		return err == nil && len(repos) == 2
	})
	waitFor(t, 3*time.Second, func() bool {
		_, body := e.request(t, "GET", "/api/models", token, nil)
		models, _ := body["models"].([]any)
		return len(models) == 2
	})

	repos, _ := e.st.ListRepos(t.Context(), admin.ID)
	if repos[0].Path != "~/repos/alpha" || repos[1].Path != "~/repos/beta" {
		t.Fatalf("repo paths = %q, %q", repos[0].Path, repos[1].Path)
	}
}

func TestDaemonRunsCommandEndToEnd(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	os.MkdirAll(filepath.Join(home, "repos", "app"), 0o755)

	e := newRelayerEnv(t)
	token := e.setupAndLogin(t)
	startDaemon(t, e, &scriptedRunner{})

	// Give the daemon a moment to finish its handshake.
	time.Sleep(200 * time.Millisecond)

	status, body := e.request(t, "POST", "/api/commands", token, map[string]any{
		"input":     "do the thing",
		"repo_path": "~/repos/app",
	})
	if status != http.StatusOK {
		t.Fatalf("create command status = %d", status)
	}
	id := body["id"].(string)

	waitFor(t, 5*time.Second, func() bool {
		_, cmd := e.request(t, "GET", "/api/commands/"+id, token, nil)
		return cmd["status"] == "done"
	})

	_, cmd := e.request(t, "GET", "/api/commands/"+id, token, nil)
	if cmd["output"] != "stream output" {
		t.Fatalf("output = %v", cmd["output"])
	}
	if cmd["summary"] != "## Task\n- completed" {
		t.Fatalf("summary = %v", cmd["summary"])
	}
	if cmd["cursor_chat_id"] != "chat-1" {
		t.Fatalf("cursor_chat_id = %v", cmd["cursor_chat_id"])
	}
}

func TestDaemonReportsFailedCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	e := newRelayerEnv(t)
	token := e.setupAndLogin(t)
	startDaemon(t, e, &scriptedRunner{streamErr: errAgentDown})
	time.Sleep(200 * time.Millisecond)

	_, body := e.request(t, "POST", "/api/commands", token, map[string]any{"input": "go"})
	id := body["id"].(string)

	waitFor(t, 5*time.Second, func() bool {
		_, cmd := e.request(t, "GET", "/api/commands/"+id, token, nil)
		return cmd["status"] == "failed"
	})
	_, cmd := e.request(t, "GET", "/api/commands/"+id, token, nil)
	output, _ := cmd["output"].(string)
	if !strings.HasPrefix(output, "Error: ") {
		t.Fatalf("failed output = %q, want Error: prefix", output)
	}
}

var errAgentDown = errors.New("agent exploded")

func TestDaemonServesFileRead(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	repo := filepath.Join(home, "repos", "app")
	os.MkdirAll(repo, 0o755)
	os.WriteFile(filepath.Join(repo, "README.md"), []byte("# app"), 0o644)

	e := newRelayerEnv(t)
	token := e.setupAndLogin(t)
	startDaemon(t, e, &scriptedRunner{})
	time.Sleep(200 * time.Millisecond)

	status, body := e.request(t, "GET", "/api/files/read?repo_path=~/repos/app&file_path=README.md", token, nil)
	if status != http.StatusOK {
		t.Fatalf("file read status = %d: %v", status, body)
	}
	if body["content"] != "# app" {
		t.Fatalf("content = %v", body["content"])
	}
}

func TestDaemonRejectsTraversalRead(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	os.MkdirAll(filepath.Join(home, "repos", "app"), 0o755)
	os.WriteFile(filepath.Join(home, "secret.txt"), []byte("s"), 0o644)

	e := newRelayerEnv(t)
	token := e.setupAndLogin(t)
	startDaemon(t, e, &scriptedRunner{})
	time.Sleep(200 * time.Millisecond)

	status, _ := e.request(t, "GET", "/api/files/read?repo_path=~/repos/app&file_path=../../secret.txt", token, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("traversal read status = %d, want 400", status)
	}
}

func TestDaemonServesFileSearch(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	repo := filepath.Join(home, "repos", "app")
	os.MkdirAll(filepath.Join(repo, "docs"), 0o755)
	os.WriteFile(filepath.Join(repo, "README.md"), []byte("#"), 0o644)
	os.WriteFile(filepath.Join(repo, "docs", "guide.md"), []byte("#"), 0o644)

	e := newRelayerEnv(t)
	token := e.setupAndLogin(t)
	startDaemon(t, e, &scriptedRunner{})
	time.Sleep(200 * time.Millisecond)

	status, body := e.request(t, "GET", "/api/files/search?repo_path=~/repos/app&file_name=*.md", token, nil)
	if status != http.StatusOK {
		t.Fatalf("search status = %d", status)
	}
	matches := body["matches"].([]any)
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
}
