// Package fs provides a file system-based token store for the session client.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/panyam/authsession/client"
)

// FSCredentialStore stores token pairs as a JSON file on the filesystem,
// one pair per API server
type FSCredentialStore struct {
	mu      sync.RWMutex
	path    string
	servers map[string]*client.TokenPair
}

// credentialFile is the JSON structure stored on disk
type credentialFile struct {
	Servers map[string]*client.TokenPair `json:"servers"`
}

// NewFSCredentialStore creates a new FS-based credential store.
// If path is empty, defaults to ~/.config/<appName>/credentials.json
func NewFSCredentialStore(path string, appName string) (*FSCredentialStore, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		if appName == "" {
			appName = "authsession"
		}
		path = filepath.Join(configDir, appName, "credentials.json")
	}

	store := &FSCredentialStore{
		path:    path,
		servers: make(map[string]*client.TokenPair),
	}

	// Load existing credentials if file exists
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return store, nil
}

// load reads credentials from disk
func (s *FSCredentialStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}

	s.servers = file.Servers
	if s.servers == nil {
		s.servers = make(map[string]*client.TokenPair)
	}

	return nil
}

// normalizeURL normalizes a server URL for use as a key
func normalizeURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	if u.Scheme == "" {
		u.Scheme = "https"
	}

	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}

// For returns the token store of one server. Pairs are keyed by scheme and
// host, so every path of a server shares the session.
func (s *FSCredentialStore) For(serverURL string) (*ServerStore, error) {
	key, err := normalizeURL(serverURL)
	if err != nil {
		return nil, err
	}
	return &ServerStore{parent: s, key: key}, nil
}

// ListServers returns all server URLs with stored credentials
func (s *FSCredentialStore) ListServers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	servers := make([]string, 0, len(s.servers))
	for k := range s.servers {
		servers = append(servers, k)
	}

	return servers, nil
}

// Path returns the path to the credentials file
func (s *FSCredentialStore) Path() string {
	return s.path
}

// persistLocked writes the file through a temp file and a rename so that a
// crash never leaves a half-written pair behind. Caller must hold s.mu.
func (s *FSCredentialStore) persistLocked() error {
	// Ensure directory exists with restricted permissions
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file := credentialFile{Servers: s.servers}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	// Write with restricted permissions (owner read/write only)
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace credentials: %w", err)
	}
	return nil
}

// ServerStore is the client.TokenStore of a single server inside the file
type ServerStore struct {
	parent *FSCredentialStore
	key    string
}

// Server returns the normalized server URL
func (s *ServerStore) Server() string {
	return s.key
}

func (s *ServerStore) Save(_ context.Context, pair *client.TokenPair) error {
	p := s.parent
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, had := p.servers[s.key]
	if pair == nil {
		delete(p.servers, s.key)
	} else {
		p.servers[s.key] = pair.Clone()
	}
	if err := p.persistLocked(); err != nil {
		// Keep memory and disk in agreement
		if had {
			p.servers[s.key] = prev
		} else {
			delete(p.servers, s.key)
		}
		return err
	}
	return nil
}

func (s *ServerStore) Load(_ context.Context) *client.TokenPair {
	p := s.parent
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.servers[s.key].Clone()
}

func (s *ServerStore) Clear(_ context.Context) error {
	p := s.parent
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.servers[s.key]; !ok {
		return nil
	}
	delete(p.servers, s.key)
	if err := p.persistLocked(); err != nil {
		slog.Warn("failed to persist cleared credentials", "server", s.key, "error", err)
		return err
	}
	return nil
}

// ListServers lists every server of the underlying file
func (s *ServerStore) ListServers(ctx context.Context) ([]string, error) {
	return s.parent.ListServers(ctx)
}

var (
	_ client.TokenStore   = (*ServerStore)(nil)
	_ client.ServerLister = (*FSCredentialStore)(nil)
	_ client.ServerLister = (*ServerStore)(nil)
)
