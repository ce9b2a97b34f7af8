package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/devpm/relay/common/wire"
)

// handleFileRead relays a file read to the connected executor and waits for
// its response. The controller's request carries the deadline; a reply
// arriving after it finds no waiter and gets 404 at the response endpoint.
func (s *Server) handleFileRead(w http.ResponseWriter, r *http.Request, _ *identity) {
	repoPath := r.URL.Query().Get("repo_path")
	filePath := r.URL.Query().Get("file_path")
	if repoPath == "" || filePath == "" {
		writeError(w, http.StatusBadRequest, "repo_path and file_path are required")
		return
	}

	id := uuid.New()
	ch := s.reads.Register(id)
	defer s.reads.Remove(id)

	s.broadcast(wire.TypeFileReadRequest, wire.FileReadRequestPayload{
		RequestID: id,
		RepoPath:  repoPath,
		FilePath:  filePath,
	})

	select {
	case res := <-ch:
		if res.Err != "" {
			writeError(w, http.StatusBadRequest, res.Err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"content": res.Value})
	case <-time.After(s.cfg.ReadTimeout):
		writeError(w, http.StatusGatewayTimeout, "no executor response")
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, "request cancelled")
	}
}

func (s *Server) handleFileReadResponse(w http.ResponseWriter, r *http.Request, ident *identity) {
	if !ident.executor {
		writeError(w, http.StatusForbidden, "only the executor may post file responses")
		return
	}
	var req struct {
		RequestID uuid.UUID `json:"request_id"`
		Content   string    `json:"content"`
		Error     string    `json:"error"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.reads.Resolve(req.RequestID, req.Content, req.Error) {
		writeError(w, http.StatusNotFound, "request expired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}

func (s *Server) handleFileSearch(w http.ResponseWriter, r *http.Request, _ *identity) {
	repoPath := r.URL.Query().Get("repo_path")
	fileName := r.URL.Query().Get("file_name")
	if repoPath == "" || fileName == "" {
		writeError(w, http.StatusBadRequest, "repo_path and file_name are required")
		return
	}

	id := uuid.New()
	ch := s.searches.Register(id)
	defer s.searches.Remove(id)

	s.broadcast(wire.TypeFileSearchRequest, wire.FileSearchRequestPayload{
		RequestID: id,
		RepoPath:  repoPath,
		FileName:  fileName,
	})

	select {
	case res := <-ch:
		if res.Err != "" {
			writeError(w, http.StatusBadRequest, res.Err)
			return
		}
		matches := res.Value
		if matches == nil {
			matches = []wire.FileSearchMatch{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
	case <-time.After(s.cfg.SearchTimeout):
		writeError(w, http.StatusGatewayTimeout, "no executor response")
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, "request cancelled")
	}
}

func (s *Server) handleFileSearchResponse(w http.ResponseWriter, r *http.Request, ident *identity) {
	if !ident.executor {
		writeError(w, http.StatusForbidden, "only the executor may post file responses")
		return
	}
	var req struct {
		RequestID uuid.UUID              `json:"request_id"`
		Matches   []wire.FileSearchMatch `json:"matches"`
		Error     string                 `json:"error"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.searches.Resolve(req.RequestID, req.Matches, req.Error) {
		writeError(w, http.StatusNotFound, "request expired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}
