package wire

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewEnvelopeStampsVersionAndTime(t *testing.T) {
	env, err := NewEnvelope(TypeAuthOK, struct{}{})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Version != 1 {
		t.Errorf("version = %d, want 1", env.Version)
	}
	if env.Type != TypeAuthOK {
		t.Errorf("type = %q, want %q", env.Type, TypeAuthOK)
	}
	if env.TS == "" {
		t.Error("ts is empty")
	}
}

func TestParseEnvelopeRejectsMissingType(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"version":1,"payload":{}}`)); err == nil {
		t.Fatal("want error for missing type")
	}
	if _, err := ParseEnvelope([]byte(`not json`)); err == nil {
		t.Fatal("want error for malformed frame")
	}
}

func TestEnvelopeDecodeRoundTrip(t *testing.T) {
	id := uuid.New()
	repo := "~/repos/foo"
	env, err := NewEnvelope(TypeCommandNew, CommandNewPayload{
		ID:       id,
		Input:    "add tests",
		RepoPath: &repo,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	var payload CommandNewPayload
	if err := parsed.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.ID != id {
		t.Errorf("id = %s, want %s", payload.ID, id)
	}
	if payload.RepoPath == nil || *payload.RepoPath != repo {
		t.Errorf("repo_path = %v, want %q", payload.RepoPath, repo)
	}
	if payload.ChatHistory != nil {
		t.Errorf("chat_history = %v, want nil", payload.ChatHistory)
	}
}

func TestChatHistoryOmittedWhenEmpty(t *testing.T) {
	env, err := NewEnvelope(TypeCommandNew, CommandNewPayload{ID: uuid.New(), Input: "hi"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if strings.Contains(string(env.Payload), "chat_history") {
		t.Errorf("payload includes chat_history: %s", env.Payload)
	}
}
