// Package giteatest runs an in-memory Gitea contents API for tests.
package giteatest

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

type Write struct {
	Method  string
	Path    string
	Message string
	Branch  string
	SHA     string
	Content string
}

// Server emulates users, one repository and its contents endpoints.
// Commit ids are "c1", "c2", ... in write order.
type Server struct {
	*httptest.Server

	Owner  string
	Repo   string
	RepoID int64
	Users  map[string]int64

	// BeforeWrite runs after the request is decoded and before the sha check.
	BeforeWrite func(path string)

	mu      sync.Mutex
	files   map[string]string
	commits int
	writes  []Write
}

func NewServer(owner, repo string) *Server {
	s := &Server{
		Owner:  owner,
		Repo:   repo,
		RepoID: 42,
		Users:  map[string]int64{owner: 1},
		files:  map[string]string{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Put stores content at path without recording a write.
func (s *Server) Put(path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = content
}

func (s *Server) Content(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.files[path]
	return c, ok
}

func (s *Server) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// BlobSHA is the version token the server reports for content.
func BlobSHA(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/")

	if path == "version" {
		writeJSON(w, http.StatusOK, map[string]string{"version": "1.21.0"})
		return
	}

	if login, ok := strings.CutPrefix(path, "users/"); ok {
		id, found := s.Users[login]
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "user does not exist"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "login": login})
		return
	}

	repoPrefix := fmt.Sprintf("repos/%s/%s", s.Owner, s.Repo)
	if path == repoPrefix {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":             s.RepoID,
			"full_name":      s.Owner + "/" + s.Repo,
			"default_branch": "main",
		})
		return
	}

	filePath, ok := strings.CutPrefix(path, repoPrefix+"/contents/")
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.get(w, filePath)
	case http.MethodPost, http.MethodPut:
		s.write(w, r, filePath)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) get(w http.ResponseWriter, path string) {
	s.mu.Lock()
	content, ok := s.files[path]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "object does not exist"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     path[strings.LastIndex(path, "/")+1:],
		"path":     path,
		"sha":      BlobSHA(content),
		"type":     "file",
		"encoding": "base64",
		"content":  base64.StdEncoding.EncodeToString([]byte(content)),
	})
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, path string) {
	var body struct {
		Message string `json:"message"`
		Content string `json:"content"`
		Branch  string `json:"branch"`
		SHA     string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid base64"})
		return
	}

	if s.BeforeWrite != nil {
		s.BeforeWrite(path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.files[path]
	switch r.Method {
	case http.MethodPost:
		if exists {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "repository file already exists"})
			return
		}
	case http.MethodPut:
		if !exists {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "file does not exist"})
			return
		}
		if body.SHA != BlobSHA(current) {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "sha does not match"})
			return
		}
	}

	s.files[path] = string(decoded)
	s.commits++
	commit := fmt.Sprintf("c%d", s.commits)
	s.writes = append(s.writes, Write{
		Method:  r.Method,
		Path:    path,
		Message: body.Message,
		Branch:  body.Branch,
		SHA:     body.SHA,
		Content: string(decoded),
	})

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"content": map[string]any{"path": path, "sha": BlobSHA(string(decoded))},
		"commit":  map[string]any{"sha": commit},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
