package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Command is a queued unit of work for an executor device.
type Command struct {
	ID              uuid.UUID
	DeviceID        uuid.UUID
	Input           string
	Status          string
	Output          *string
	Summary         *string
	RepoPath        *string
	ContextMode     *string
	TranslatorModel *string
	WorkloadModel   *string
	CursorChatID    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CommandUpdate carries the mutable fields of a command. Nil fields are left
// untouched; Status empty means no status change.
type CommandUpdate struct {
	Status       string
	Output       *string
	Summary      *string
	CursorChatID *string
}

const commandColumns = `
id, device_id, input, status, output, summary, repo_path, context_mode,
translator_model, workload_model, cursor_chat_id, created_at, updated_at`

// CreateCommand inserts a new pending command.
func (s *Store) CreateCommand(ctx context.Context, deviceID uuid.UUID, input string, repoPath, contextMode, translatorModel, workloadModel, cursorChatID *string) (*Command, error) {
	id := uuid.New()
	ts := now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO commands (id, device_id, input, status, repo_path, context_mode,
                      translator_model, workload_model, cursor_chat_id,
                      created_at, updated_at)
VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)
`, id.String(), deviceID.String(), input,
		nullable(repoPath), nullable(contextMode), nullable(translatorModel),
		nullable(workloadModel), nullable(cursorChatID), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert command: %w", err)
	}
	return s.GetCommand(ctx, id)
}

// GetCommand returns a command by id.
func (s *Store) GetCommand(ctx context.Context, id uuid.UUID) (*Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+commandColumns+` FROM commands WHERE id = ?`, id.String())
	return scanCommand(row)
}

// ListCommands returns the admin's most recent commands, newest first.
func (s *Store) ListCommands(ctx context.Context, adminID uuid.UUID, limit int) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.device_id, c.input, c.status, c.output, c.summary, c.repo_path,
       c.context_mode, c.translator_model, c.workload_model, c.cursor_chat_id,
       c.created_at, c.updated_at
FROM commands c
JOIN devices d ON d.id = c.device_id
WHERE d.admin_id = ?
ORDER BY c.created_at DESC
LIMIT ?
`, adminID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *c)
	}
	return commands, rows.Err()
}

// UpdateCommand applies an executor progress or terminal update. When the
// update carries a status change the guard refuses to resurrect a command
// that already reached a terminal state; non-status field updates are still
// applied so a late progress frame cannot fail the call.
func (s *Store) UpdateCommand(ctx context.Context, id uuid.UUID, upd CommandUpdate) (*Command, error) {
	ts := now()
	if upd.Status != "" {
		res, err := s.db.ExecContext(ctx, `
UPDATE commands SET
  status = ?,
  output = COALESCE(?, output),
  summary = COALESCE(?, summary),
  cursor_chat_id = COALESCE(?, cursor_chat_id),
  updated_at = ?
WHERE id = ? AND status NOT IN ('done', 'failed', 'cancelled')
`, upd.Status, nullable(upd.Output), nullable(upd.Summary), nullable(upd.CursorChatID), ts, id.String())
		if err != nil {
			return nil, fmt.Errorf("update command: %w", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			return s.GetCommand(ctx, id)
		}
		// Terminal or missing. Distinguish so handlers can 404 vs 409.
		if _, err := s.GetCommand(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrTerminal
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE commands SET
  output = COALESCE(?, output),
  summary = COALESCE(?, summary),
  cursor_chat_id = COALESCE(?, cursor_chat_id),
  updated_at = ?
WHERE id = ?
`, nullable(upd.Output), nullable(upd.Summary), nullable(upd.CursorChatID), ts, id.String())
	if err != nil {
		return nil, fmt.Errorf("update command: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetCommand(ctx, id)
}

// CancelCommand moves a pending or running command to cancelled.
func (s *Store) CancelCommand(ctx context.Context, id uuid.UUID) (*Command, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE commands SET status = 'cancelled', updated_at = ?
WHERE id = ? AND status IN ('pending', 'running')
`, now(), id.String())
	if err != nil {
		return nil, fmt.Errorf("cancel command: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetCommand(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrTerminal
	}
	return s.GetCommand(ctx, id)
}

// DeleteCommand removes a command owned by the admin.
func (s *Store) DeleteCommand(ctx context.Context, id, adminID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM commands
WHERE id = ? AND device_id IN (SELECT id FROM devices WHERE admin_id = ?)
`, id.String(), adminID.String())
	if err != nil {
		return fmt.Errorf("delete command: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ChatHistory returns completed exchanges of a chat session in creation
// order. Commands still running are excluded so a partially streamed output
// never enters the conversation context of a follow-up.
func (s *Store) ChatHistory(ctx context.Context, deviceID uuid.UUID, chatID string) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT`+commandColumns+`
FROM commands
WHERE device_id = ? AND cursor_chat_id = ? AND status != 'running'
ORDER BY created_at ASC
`, deviceID.String(), chatID)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *c)
	}
	return commands, rows.Err()
}

func scanCommand(row rowScanner) (*Command, error) {
	var c Command
	var id, deviceID, created, updated string
	var output, summary, repoPath, contextMode, translatorModel, workloadModel, chatID sql.NullString
	err := row.Scan(&id, &deviceID, &c.Input, &c.Status, &output, &summary,
		&repoPath, &contextMode, &translatorModel, &workloadModel, &chatID,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan command: %w", err)
	}
	c.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse command id: %w", err)
	}
	c.DeviceID, err = uuid.Parse(deviceID)
	if err != nil {
		return nil, fmt.Errorf("parse command device id: %w", err)
	}
	c.Output = optional(output)
	c.Summary = optional(summary)
	c.RepoPath = optional(repoPath)
	c.ContextMode = optional(contextMode)
	c.TranslatorModel = optional(translatorModel)
	c.WorkloadModel = optional(workloadModel)
	c.CursorChatID = optional(chatID)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}
