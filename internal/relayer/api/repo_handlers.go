package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/devpm/relay/internal/relayer/store"
)

type repoResponse struct {
	ID        string  `json:"id"`
	Path      string  `json:"path"`
	Name      *string `json:"name"`
	CreatedAt string  `json:"created_at"`
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request, ident *identity) {
	repos, err := s.store.ListRepos(r.Context(), ident.adminID)
	if err != nil {
		s.internal(w, r, "list repos", err)
		return
	}
	out := make([]repoResponse, 0, len(repos))
	for _, repo := range repos {
		out = append(out, repoResponse{
			ID:        repo.ID.String(),
			Path:      repo.Path,
			Name:      repo.Name,
			CreatedAt: repo.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddRepo(w http.ResponseWriter, r *http.Request, ident *identity) {
	var req struct {
		Path string  `json:"path"`
		Name *string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	repo, err := s.store.AddRepo(r.Context(), ident.adminID, req.Path, req.Name)
	if errors.Is(err, store.ErrInvalidRepoPath) {
		writeError(w, http.StatusBadRequest, "repo path must be under ~/repos")
		return
	}
	if err != nil {
		s.internal(w, r, "add repo", err)
		return
	}
	writeJSON(w, http.StatusOK, repoResponse{
		ID:        repo.ID.String(),
		Path:      repo.Path,
		Name:      repo.Name,
		CreatedAt: repo.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// handleSyncRepos replaces the admin's repo set with the executor's
// discovered workspace list.
func (s *Server) handleSyncRepos(w http.ResponseWriter, r *http.Request, ident *identity) {
	if !ident.executor {
		writeError(w, http.StatusForbidden, "only the executor may sync repos")
		return
	}
	var req struct {
		Paths []string `json:"paths"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := s.store.SyncRepos(r.Context(), ident.adminID, req.Paths)
	if err != nil {
		s.internal(w, r, "sync repos", err)
		return
	}
	s.log.Info("repos synced", "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"synced": n})
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request, _ *identity) {
	s.modelsMu.RLock()
	models := make([]string, len(s.models))
	copy(models, s.models)
	s.modelsMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string][]string{"models": models})
}

// handleSyncModels replaces the model inventory with the executor's list.
func (s *Server) handleSyncModels(w http.ResponseWriter, r *http.Request, ident *identity) {
	if !ident.executor {
		writeError(w, http.StatusForbidden, "only the executor may sync models")
		return
	}
	var req struct {
		Models []string `json:"models"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Models) == 0 {
		writeError(w, http.StatusBadRequest, "models must be non-empty")
		return
	}
	s.modelsMu.Lock()
	s.models = req.Models
	s.modelsMu.Unlock()
	s.log.Info("models synced", "count", len(req.Models))
	writeJSON(w, http.StatusOK, map[string]int{"synced": len(req.Models)})
}
