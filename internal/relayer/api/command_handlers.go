package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/devpm/relay/common/wire"
	"github.com/devpm/relay/internal/relayer/store"
)

type commandResponse struct {
	ID              uuid.UUID `json:"id"`
	DeviceID        uuid.UUID `json:"device_id"`
	Input           string    `json:"input"`
	Status          string    `json:"status"`
	Output          *string   `json:"output"`
	Summary         *string   `json:"summary"`
	RepoPath        *string   `json:"repo_path"`
	ContextMode     *string   `json:"context_mode"`
	TranslatorModel *string   `json:"translator_model"`
	WorkloadModel   *string   `json:"workload_model"`
	CursorChatID    *string   `json:"cursor_chat_id"`
	CreatedAt       string    `json:"created_at"`
	UpdatedAt       string    `json:"updated_at"`
}

func toCommandResponse(c *store.Command) commandResponse {
	return commandResponse{
		ID:              c.ID,
		DeviceID:        c.DeviceID,
		Input:           c.Input,
		Status:          c.Status,
		Output:          c.Output,
		Summary:         c.Summary,
		RepoPath:        c.RepoPath,
		ContextMode:     c.ContextMode,
		TranslatorModel: c.TranslatorModel,
		WorkloadModel:   c.WorkloadModel,
		CursorChatID:    c.CursorChatID,
		CreatedAt:       c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// handleCreateCommand inserts a pending command and broadcasts command_new.
// When the command resumes an existing chat, the prior turns are attached to
// the broadcast so the executor never has to query them back.
func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request, ident *identity) {
	if ident.executor {
		writeError(w, http.StatusForbidden, "commands are created by controller sessions")
		return
	}
	var req struct {
		Input           string  `json:"input"`
		RepoPath        *string `json:"repo_path"`
		ContextMode     *string `json:"context_mode"`
		TranslatorModel *string `json:"translator_model"`
		WorkloadModel   *string `json:"workload_model"`
		CursorChatID    *string `json:"cursor_chat_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	if len(req.Input) > maxInputBytes {
		writeError(w, http.StatusBadRequest, "input exceeds 4096 bytes")
		return
	}
	if req.RepoPath != nil {
		if err := store.ValidateRepoPath(*req.RepoPath); err != nil {
			writeError(w, http.StatusBadRequest, "repo path must be under ~/repos")
			return
		}
	}

	cmd, err := s.store.CreateCommand(r.Context(), ident.deviceID, req.Input,
		req.RepoPath, req.ContextMode, req.TranslatorModel, req.WorkloadModel, req.CursorChatID)
	if err != nil {
		s.internal(w, r, "create command", err)
		return
	}

	payload := wire.CommandNewPayload{
		ID:              cmd.ID,
		Input:           cmd.Input,
		RepoPath:        cmd.RepoPath,
		ContextMode:     cmd.ContextMode,
		TranslatorModel: cmd.TranslatorModel,
		WorkloadModel:   cmd.WorkloadModel,
		CursorChatID:    cmd.CursorChatID,
	}
	if cmd.CursorChatID != nil {
		history, err := s.store.ChatHistory(r.Context(), ident.deviceID, *cmd.CursorChatID)
		if err != nil {
			s.log.Warn("load chat history", "command_id", cmd.ID, "error", err)
		}
		for _, prior := range history {
			if prior.ID == cmd.ID {
				continue
			}
			payload.ChatHistory = append(payload.ChatHistory, wire.ChatHistoryEntry{
				Input:  prior.Input,
				Output: prior.Output,
			})
		}
	}
	s.broadcast(wire.TypeCommandNew, payload)

	writeJSON(w, http.StatusOK, toCommandResponse(cmd))
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request, ident *identity) {
	commands, err := s.store.ListCommands(r.Context(), ident.adminID, commandListLimit)
	if err != nil {
		s.internal(w, r, "list commands", err)
		return
	}
	out := make([]commandResponse, 0, len(commands))
	for i := range commands {
		out = append(out, toCommandResponse(&commands[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request, ident *identity) {
	cmd, ok := s.ownedCommand(w, r, ident)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toCommandResponse(cmd))
}

// handleUpdateCommand applies an executor progress or terminal update.
// Controller sessions are refused outright; only the executor key may mutate
// command state.
func (s *Server) handleUpdateCommand(w http.ResponseWriter, r *http.Request, ident *identity) {
	if !ident.executor {
		writeError(w, http.StatusForbidden, "only the executor may update commands")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}
	var req struct {
		Status       string  `json:"status"`
		Output       *string `json:"output"`
		Summary      *string `json:"summary"`
		CursorChatID *string `json:"cursor_chat_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status != "" && !validStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	cmd, err := s.store.UpdateCommand(r.Context(), id, store.CommandUpdate{
		Status:       req.Status,
		Output:       req.Output,
		Summary:      req.Summary,
		CursorChatID: req.CursorChatID,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "command not found")
		return
	case errors.Is(err, store.ErrTerminal):
		writeError(w, http.StatusConflict, "command already terminal")
		return
	case err != nil:
		s.internal(w, r, "update command", err)
		return
	}

	s.broadcastCommandUpdate(cmd)
	writeJSON(w, http.StatusOK, toCommandResponse(cmd))
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request, ident *identity) {
	cmd, ok := s.ownedCommand(w, r, ident)
	if !ok {
		return
	}
	cancelled, err := s.store.CancelCommand(r.Context(), cmd.ID)
	switch {
	case errors.Is(err, store.ErrTerminal):
		writeError(w, http.StatusConflict, "command already terminal")
		return
	case err != nil:
		s.internal(w, r, "cancel command", err)
		return
	}
	s.broadcastCommandUpdate(cancelled)
	writeJSON(w, http.StatusOK, toCommandResponse(cancelled))
}

func (s *Server) handleDeleteCommand(w http.ResponseWriter, r *http.Request, ident *identity) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}
	if err := s.store.DeleteCommand(r.Context(), id, ident.adminID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "command not found")
			return
		}
		s.internal(w, r, "delete command", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedCommand loads the path's command and checks it belongs to the
// caller's admin. Foreign commands are indistinguishable from missing ones.
func (s *Server) ownedCommand(w http.ResponseWriter, r *http.Request, ident *identity) (*store.Command, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return nil, false
	}
	cmd, err := s.store.GetCommand(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "command not found")
		return nil, false
	}
	if err != nil {
		s.internal(w, r, "get command", err)
		return nil, false
	}
	device, err := s.store.GetDevice(r.Context(), cmd.DeviceID)
	if err != nil || device.AdminID != ident.adminID {
		writeError(w, http.StatusNotFound, "command not found")
		return nil, false
	}
	return cmd, true
}

func (s *Server) broadcastCommandUpdate(cmd *store.Command) {
	s.broadcast(wire.TypeCommandUpdate, wire.CommandUpdatePayload{
		ID:           cmd.ID,
		Status:       cmd.Status,
		Output:       cmd.Output,
		Summary:      cmd.Summary,
		CursorChatID: cmd.CursorChatID,
		UpdatedAt:    cmd.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func validStatus(status string) bool {
	switch status {
	case store.StatusPending, store.StatusRunning, store.StatusDone, store.StatusFailed, store.StatusCancelled:
		return true
	}
	return false
}
