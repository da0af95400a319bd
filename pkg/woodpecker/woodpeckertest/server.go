// Package woodpeckertest runs an in-memory Woodpecker API for tests.
package woodpeckertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gitopslab/e2e/pkg/woodpecker"
)

type Server struct {
	*httptest.Server

	// Token required as bearer credential; empty accepts anything.
	Token string
	// CommitFor supplies the commit recorded on a triggered pipeline.
	CommitFor func(branch string) string
	// Healthy controls /healthz.
	Healthy bool
	// ActivatedName is the full name given to repositories activated through
	// the API; defaults to "remote/<forge id>".
	ActivatedName string

	mu        sync.Mutex
	repos     map[string]*woodpecker.Repo
	trusted   map[int64]woodpecker.Trusted
	secrets   map[int64][]woodpecker.Secret
	pipelines map[int64][]woodpecker.Pipeline
	repairs   int
	nextID    int64
	requests  []string
}

func NewServer() *Server {
	s := &Server{
		Healthy:   true,
		repos:     map[string]*woodpecker.Repo{},
		trusted:   map[int64]woodpecker.Trusted{},
		secrets:   map[int64][]woodpecker.Secret{},
		pipelines: map[int64][]woodpecker.Pipeline{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// AddRepo registers a repository as if it had been activated earlier.
func (s *Server) AddRepo(fullName string, forgeRemoteID int64) *woodpecker.Repo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRepo(fullName, forgeRemoteID)
}

func (s *Server) addRepo(fullName string, forgeRemoteID int64) *woodpecker.Repo {
	s.nextID++
	repo := &woodpecker.Repo{ID: s.nextID, FullName: fullName, ForgeRemoteID: strconv.FormatInt(forgeRemoteID, 10), Active: true}
	s.repos[fullName] = repo
	return repo
}

func (s *Server) Trusted(repoID int64) woodpecker.Trusted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trusted[repoID]
}

func (s *Server) SecretsOf(repoID int64) []woodpecker.Secret {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]woodpecker.Secret(nil), s.secrets[repoID]...)
}

func (s *Server) Repairs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repairs
}

// Requests returns "METHOD path" for every API call received.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.URL.Path == "/healthz" {
		if s.Healthy {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	}

	s.requests = append(s.requests, r.Method+" "+r.URL.Path)

	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		writeJSON(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/repos")

	if full, ok := strings.CutPrefix(path, "/lookup/"); ok {
		repo, found := s.repos[full]
		if !found {
			writeJSON(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, repo)
		return
	}

	if path == "" && r.Method == http.MethodPost {
		remote, err := strconv.ParseInt(r.URL.Query().Get("forge_remote_id"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, "bad forge_remote_id")
			return
		}
		name := s.ActivatedName
		if name == "" {
			name = fmt.Sprintf("remote/%d", remote)
		}
		writeJSON(w, http.StatusOK, s.addRepo(name, remote))
		return
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || !s.hasRepo(id) {
		writeJSON(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodPatch:
		var body struct {
			Trusted woodpecker.Trusted `json:"trusted"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		s.trusted[id] = body.Trusted
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	case len(parts) == 2 && parts[1] == "repair":
		s.repairs++
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "secrets" && r.Method == http.MethodGet:
		secrets := s.secrets[id]
		if secrets == nil {
			secrets = []woodpecker.Secret{}
		}
		writeJSON(w, http.StatusOK, secrets)
	case len(parts) == 2 && parts[1] == "secrets" && r.Method == http.MethodPost:
		var secret woodpecker.Secret
		json.NewDecoder(r.Body).Decode(&secret)
		for _, existing := range s.secrets[id] {
			if existing.Name == secret.Name {
				writeJSON(w, http.StatusConflict, "secret already exists")
				return
			}
		}
		secret.ID = int64(len(s.secrets[id]) + 1)
		s.secrets[id] = append(s.secrets[id], secret)
		writeJSON(w, http.StatusOK, secret)
	case len(parts) == 2 && parts[1] == "pipelines" && r.Method == http.MethodPost:
		var body struct {
			Branch string `json:"branch"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		commit := ""
		if s.CommitFor != nil {
			commit = s.CommitFor(body.Branch)
		}
		p := woodpecker.Pipeline{
			ID:     int64(len(s.pipelines[id]) + 100),
			Number: int64(len(s.pipelines[id]) + 1),
			Commit: commit,
			Branch: body.Branch,
			Status: "pending",
		}
		s.pipelines[id] = append([]woodpecker.Pipeline{p}, s.pipelines[id]...)
		writeJSON(w, http.StatusOK, p)
	case len(parts) == 2 && parts[1] == "pipelines":
		pipelines := s.pipelines[id]
		if pipelines == nil {
			pipelines = []woodpecker.Pipeline{}
		}
		writeJSON(w, http.StatusOK, pipelines)
	default:
		writeJSON(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) hasRepo(id int64) bool {
	for _, repo := range s.repos {
		if repo.ID == id {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
