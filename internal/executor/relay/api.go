// Package relay connects the executor to the relayer: an HTTP client for
// command updates and file RPC responses, and the reconnecting WebSocket
// dispatch loop.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/devpm/relay/common/retry"
	"github.com/devpm/relay/common/wire"
)

// API is the executor's HTTP client against the relayer.
type API struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewAPI(baseURL, apiKey string) *API {
	return &API{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// CommandUpdate mirrors the PATCH /api/commands/{id} body.
type CommandUpdate struct {
	Status       string  `json:"status,omitempty"`
	Output       *string `json:"output,omitempty"`
	Summary      *string `json:"summary,omitempty"`
	CursorChatID *string `json:"cursor_chat_id,omitempty"`
}

// UpdateCommand PATCHes command state. Progress updates tolerate failure;
// terminal updates should be retried by the caller.
func (a *API) UpdateCommand(ctx context.Context, id uuid.UUID, upd CommandUpdate) error {
	return a.do(ctx, http.MethodPatch, fmt.Sprintf("/api/commands/%s", id), upd)
}

// UpdateCommandRetrying PATCHes with retries. Used for terminal updates so a
// transient relayer outage cannot strand a command in running.
func (a *API) UpdateCommandRetrying(ctx context.Context, id uuid.UUID, upd CommandUpdate) error {
	return retry.Do(ctx, retry.DefaultConfig, func() error {
		return a.UpdateCommand(ctx, id, upd)
	})
}

func (a *API) PostFileReadResponse(ctx context.Context, requestID uuid.UUID, content, errMsg string) error {
	return a.do(ctx, http.MethodPost, "/api/files/read/response", map[string]any{
		"request_id": requestID,
		"content":    content,
		"error":      errMsg,
	})
}

func (a *API) PostFileSearchResponse(ctx context.Context, requestID uuid.UUID, matches []wire.FileSearchMatch, errMsg string) error {
	if matches == nil {
		matches = []wire.FileSearchMatch{}
	}
	return a.do(ctx, http.MethodPost, "/api/files/search/response", map[string]any{
		"request_id": requestID,
		"matches":    matches,
		"error":      errMsg,
	})
}

// SyncRepos replaces the relayer's repo list with the local workspace set.
func (a *API) SyncRepos(ctx context.Context, paths []string) error {
	return retry.Do(ctx, retry.DefaultConfig, func() error {
		return a.do(ctx, http.MethodPost, "/api/repos/sync", map[string]any{"paths": paths})
	})
}

// SyncModels replaces the relayer's model inventory.
func (a *API) SyncModels(ctx context.Context, models []string) error {
	return retry.Do(ctx, retry.DefaultConfig, func() error {
		return a.do(ctx, http.MethodPost, "/api/models", map[string]any{"models": models})
	})
}

func (a *API) do(ctx context.Context, method, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("relay: encode %s body: %w", path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("relay: build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("relay: %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}
