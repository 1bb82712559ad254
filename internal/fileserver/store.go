package fileserver

import (
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Store is an in-memory stand-in for tedge-agent's local file-transfer
// HTTP API (normally backed by disk under /var/tedge/file-transfer).
// It exists purely so operations tests can exercise the Uploader /
// Downloader contracts end-to-end without a real tedge-agent running
// alongside the mapper.
type Store struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewStore builds an empty file-transfer store.
func NewStore() *Store {
	return &Store{files: make(map[string][]byte)}
}

func (s *Store) put(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.files[path] = body
	s.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (s *Store) get(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	s.mu.RLock()
	body, ok := s.files[path]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(body)
}

func (s *Store) delete(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	s.mu.Lock()
	delete(s.files, path)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}
