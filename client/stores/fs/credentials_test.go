package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/panyam/authsession/client"
)

func newStore(t *testing.T) (*FSCredentialStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := NewFSCredentialStore(path, "")
	if err != nil {
		t.Fatalf("NewFSCredentialStore() error = %v", err)
	}
	return store, path
}

func mustFor(t *testing.T, store *FSCredentialStore, serverURL string) *ServerStore {
	t.Helper()
	s, err := store.For(serverURL)
	if err != nil {
		t.Fatalf("For(%q) error = %v", serverURL, err)
	}
	return s
}

func TestFSCredentialStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	server := mustFor(t, store, "http://localhost:8080")

	// Initially empty
	if pair := server.Load(ctx); pair != nil {
		t.Errorf("expected nil pair, got %+v", pair)
	}

	testPair := &client.TokenPair{
		AccessToken:  "test-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(1 * time.Hour),
	}
	if err := server.Save(ctx, testPair); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	pair := server.Load(ctx)
	if pair == nil {
		t.Fatal("expected pair, got nil")
	}
	if pair.AccessToken != "test-token" {
		t.Errorf("AccessToken = %v, want test-token", pair.AccessToken)
	}
	if pair.RefreshToken != "refresh-token" {
		t.Errorf("RefreshToken = %v, want refresh-token", pair.RefreshToken)
	}

	// The store keeps its own copy
	pair.AccessToken = "mutated"
	if got := server.Load(ctx).AccessToken; got != "test-token" {
		t.Errorf("AccessToken after caller mutation = %v, want test-token", got)
	}
}

func TestFSCredentialStore_URLNormalization(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	// Save with full URL
	mustFor(t, store, "http://localhost:8080/api/v1").Save(ctx, &client.TokenPair{AccessToken: "token"})

	// Should find with normalized URL
	if mustFor(t, store, "http://localhost:8080").Load(ctx) == nil {
		t.Error("expected to find pair with normalized URL")
	}

	// Should find with different path
	if mustFor(t, store, "http://localhost:8080/different/path").Load(ctx) == nil {
		t.Error("expected to find pair with different path")
	}
}

func TestFSCredentialStore_Clear(t *testing.T) {
	ctx := context.Background()
	store, path := newStore(t)

	first := mustFor(t, store, "http://localhost:8080")
	second := mustFor(t, store, "http://localhost:9090")
	first.Save(ctx, &client.TokenPair{AccessToken: "token"})
	second.Save(ctx, &client.TokenPair{AccessToken: "token"})

	if err := first.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if first.Load(ctx) != nil {
		t.Error("pair should be removed")
	}
	if second.Load(ctx) == nil {
		t.Error("other pair should still exist")
	}

	// Clearing is persisted
	reopened, err := NewFSCredentialStore(path, "")
	if err != nil {
		t.Fatalf("NewFSCredentialStore() error = %v", err)
	}
	if mustFor(t, reopened, "http://localhost:8080").Load(ctx) != nil {
		t.Error("cleared pair came back after reload")
	}
}

func TestFSCredentialStore_ListServers(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	for _, u := range []string{"http://localhost:8080", "http://localhost:9090", "https://example.com"} {
		mustFor(t, store, u).Save(ctx, &client.TokenPair{AccessToken: "token"})
	}

	servers, err := store.ListServers(ctx)
	if err != nil {
		t.Fatalf("ListServers() error = %v", err)
	}
	if len(servers) != 3 {
		t.Errorf("len(servers) = %d, want 3", len(servers))
	}
}

func TestFSCredentialStore_SaveAndReload(t *testing.T) {
	ctx := context.Background()
	store1, path := newStore(t)

	mustFor(t, store1, "http://localhost:8080").Save(ctx, &client.TokenPair{
		AccessToken:  "persisted-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(1 * time.Hour),
	})

	// Verify file was created and no temp file is left behind
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("credentials file not created")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	// Create new store from same file
	store2, err := NewFSCredentialStore(path, "")
	if err != nil {
		t.Fatalf("NewFSCredentialStore() error = %v", err)
	}

	pair := mustFor(t, store2, "http://localhost:8080").Load(ctx)
	if pair == nil {
		t.Fatal("expected pair to be persisted")
	}
	if pair.AccessToken != "persisted-token" {
		t.Errorf("AccessToken = %v, want persisted-token", pair.AccessToken)
	}
	if pair.RefreshToken != "refresh-token" {
		t.Errorf("RefreshToken = %v, want refresh-token", pair.RefreshToken)
	}
}

func TestFSCredentialStore_FilePermissions(t *testing.T) {
	ctx := context.Background()
	store, path := newStore(t)

	mustFor(t, store, "http://localhost:8080").Save(ctx, &client.TokenPair{AccessToken: "token"})

	// Check file permissions (should be 0600)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		t.Errorf("file permissions = %o, want 0600", mode)
	}
}

func TestFSCredentialStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFSCredentialStore(path, ""); err == nil {
		t.Error("expected an error for a corrupt credentials file")
	}
}

func TestFSCredentialStore_DefaultPath(t *testing.T) {
	// Test with empty path - should use default
	store, err := NewFSCredentialStore("", "testapp")
	if err != nil {
		t.Fatalf("NewFSCredentialStore() error = %v", err)
	}

	path := store.Path()
	if path == "" {
		t.Error("path should not be empty")
	}

	// Should contain app name in path
	if filepath.Base(filepath.Dir(path)) != "testapp" {
		t.Logf("path = %s (app name dir may vary by platform)", path)
	}
}
