// Package wire defines the WebSocket message envelope and payload types
// exchanged between the relayer, controllers and executors.
//
// Every frame on the relay socket is a JSON Envelope; Type selects the
// payload shape. The relayer broadcasts command lifecycle events and file
// RPC requests; clients send a single auth message after connecting.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope version carried on every frame.
const Version = 1

// Recognised envelope types.
const (
	TypeAuth              = "auth"
	TypeAuthOK            = "auth_ok"
	TypeAuthFail          = "auth_fail"
	TypeCommandNew        = "command_new"
	TypeCommandUpdate     = "command_update"
	TypeCommandAck        = "command_ack"
	TypeCommandResult     = "command_result"
	TypeFileReadRequest   = "file_read_request"
	TypeFileSearchRequest = "file_search_request"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeError             = "error"
)

// Envelope is the versioned frame wrapper.
type Envelope struct {
	Version int             `json:"version"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TS      string          `json:"ts,omitempty"`
}

// NewEnvelope wraps payload in a version-1 envelope stamped with the current
// UTC time. It returns an error when the payload cannot be marshalled.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", msgType, err)
	}
	return &Envelope{
		Version: Version,
		Type:    msgType,
		Payload: raw,
		TS:      time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// ParseEnvelope decodes a JSON frame into an Envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: parse envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("wire: envelope missing type")
	}
	return &env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// AuthPayload is sent by a client as its first frame.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthFailPayload explains a rejected handshake.
type AuthFailPayload struct {
	Reason string `json:"reason"`
}

// ChatHistoryEntry is a single prior turn (user input + assistant output).
type ChatHistoryEntry struct {
	Input  string  `json:"input"`
	Output *string `json:"output"`
}

// CommandNewPayload announces a freshly created command to executors.
type CommandNewPayload struct {
	ID              uuid.UUID `json:"id"`
	Input           string    `json:"input"`
	RepoPath        *string   `json:"repo_path"`
	ContextMode     *string   `json:"context_mode"`
	TranslatorModel *string   `json:"translator_model"`
	WorkloadModel   *string   `json:"workload_model"`
	// CursorChatID, when set, tells the executor to resume this chat
	// instead of creating a new one.
	CursorChatID *string `json:"cursor_chat_id"`
	// ChatHistory holds prior turns in this chat, attached by the relayer
	// at create time. Present only when resuming.
	ChatHistory []ChatHistoryEntry `json:"chat_history,omitempty"`
}

// CommandUpdatePayload reflects a command row change to subscribers.
type CommandUpdatePayload struct {
	ID           uuid.UUID `json:"id"`
	Status       string    `json:"status"`
	Output       *string   `json:"output"`
	Summary      *string   `json:"summary"`
	CursorChatID *string   `json:"cursor_chat_id,omitempty"`
	UpdatedAt    string    `json:"updated_at"`
}

// FileReadRequestPayload asks the executor to read one file (relayer → executor).
type FileReadRequestPayload struct {
	RequestID uuid.UUID `json:"request_id"`
	RepoPath  string    `json:"repo_path"`
	FilePath  string    `json:"file_path"`
}

// FileSearchRequestPayload asks the executor to search by file name.
type FileSearchRequestPayload struct {
	RequestID uuid.UUID `json:"request_id"`
	RepoPath  string    `json:"repo_path"`
	FileName  string    `json:"file_name"`
}

// FileSearchMatch is one search hit: path relative to the repo root plus the
// file's modification time formatted as "YYYY-MM-DD HH:MM".
type FileSearchMatch struct {
	Path       string `json:"path"`
	ModifiedAt string `json:"modified_at"`
}
