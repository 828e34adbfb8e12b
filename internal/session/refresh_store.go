package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RefreshTokenStore persists the refresh token for clients that cannot use the cookie.
type RefreshTokenStore interface {
	Load() (string, error)
	Save(token string) error
	Delete() error
}

// MemoryRefreshStore keeps the refresh token in memory only.
type MemoryRefreshStore struct {
	mu    sync.Mutex
	token string
}

// NewMemoryRefreshStore creates an empty in-memory store.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{}
}

func (s *MemoryRefreshStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *MemoryRefreshStore) Save(token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

func (s *MemoryRefreshStore) Delete() error {
	return s.Save("")
}

// FileRefreshStore persists the refresh token to a file readable only by the owner.
type FileRefreshStore struct {
	mu   sync.Mutex
	path string
}

// NewFileRefreshStore creates a store writing to path.
func NewFileRefreshStore(path string) *FileRefreshStore {
	return &FileRefreshStore{path: path}
}

// Load returns the stored token, or "" when none was saved.
func (s *FileRefreshStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading refresh token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileRefreshStore) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating refresh token dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing refresh token: %w", err)
	}
	return nil
}

func (s *FileRefreshStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing refresh token: %w", err)
	}
	return nil
}

var (
	_ RefreshTokenStore = (*MemoryRefreshStore)(nil)
	_ RefreshTokenStore = (*FileRefreshStore)(nil)
)
