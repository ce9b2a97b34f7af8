package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRepoPath is returned for paths outside the ~/repos workspace.
var ErrInvalidRepoPath = errors.New("store: repo path outside ~/repos")

// Repo is a registered repository path under the executor's workspace.
type Repo struct {
	ID        uuid.UUID
	AdminID   uuid.UUID
	Path      string
	Name      *string
	CreatedAt time.Time
}

// ValidateRepoPath accepts only "~/repos" or paths beneath it, with no ".."
// segments. Paths are stored unexpanded; the executor resolves "~" locally.
func ValidateRepoPath(path string) error {
	if path != "~/repos" && !strings.HasPrefix(path, "~/repos/") {
		return ErrInvalidRepoPath
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return ErrInvalidRepoPath
		}
	}
	return nil
}

// AddRepo registers a repository path for the admin.
func (s *Store) AddRepo(ctx context.Context, adminID uuid.UUID, path string, name *string) (*Repo, error) {
	if err := ValidateRepoPath(path); err != nil {
		return nil, err
	}
	id := uuid.New()
	ts := now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO repos (id, admin_id, path, name, created_at) VALUES (?, ?, ?, ?, ?)
`, id.String(), adminID.String(), path, nullable(name), ts)
	if err != nil {
		return nil, fmt.Errorf("insert repo: %w", err)
	}
	return &Repo{ID: id, AdminID: adminID, Path: path, Name: name, CreatedAt: parseTime(ts)}, nil
}

// ListRepos returns the admin's registered repositories.
func (s *Store) ListRepos(ctx context.Context, adminID uuid.UUID) ([]Repo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, admin_id, path, name, created_at FROM repos
WHERE admin_id = ? ORDER BY path
`, adminID.String())
	if err != nil {
		return nil, fmt.Errorf("query repos: %w", err)
	}
	defer rows.Close()

	var repos []Repo
	for rows.Next() {
		var r Repo
		var id, admin, created string
		var name *string
		if err := rows.Scan(&id, &admin, &r.Path, &name, &created); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		r.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse repo id: %w", err)
		}
		r.AdminID, err = uuid.Parse(admin)
		if err != nil {
			return nil, fmt.Errorf("parse repo admin id: %w", err)
		}
		r.Name = name
		r.CreatedAt = parseTime(created)
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// SyncRepos replaces the admin's repo list with the given paths inside one
// transaction. Invalid paths are skipped rather than failing the sync so a
// stray directory on the executor cannot block the rest of the list.
func (s *Store) SyncRepos(ctx context.Context, adminID uuid.UUID, paths []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin repo sync: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM repos WHERE admin_id = ?`, adminID.String()); err != nil {
		return 0, fmt.Errorf("clear repos: %w", err)
	}

	count := 0
	ts := now()
	for _, path := range paths {
		if ValidateRepoPath(path) != nil {
			continue
		}
		name := path[strings.LastIndex(path, "/")+1:]
		_, err := tx.ExecContext(ctx, `
INSERT INTO repos (id, admin_id, path, name, created_at) VALUES (?, ?, ?, ?, ?)
`, uuid.New().String(), adminID.String(), path, name, ts)
		if err != nil {
			return 0, fmt.Errorf("insert repo %q: %w", path, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit repo sync: %w", err)
	}
	return count, nil
}
