package client

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionJar_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jar", "cookies.json")
	jar, err := NewSessionJar("http://api.example.com:8080/v1", WithJarFile(path))
	require.NoError(t, err)

	assert.Nil(t, jar.Load(ctx))
	assert.False(t, jar.HasSession())

	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	require.NoError(t, jar.Save(ctx, &TokenPair{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: exp}))

	pair := jar.Load(ctx)
	require.NotNil(t, pair)
	assert.Equal(t, "a1", pair.AccessToken)
	assert.Equal(t, "r1", pair.RefreshToken)
	assert.True(t, pair.ExpiresAt.Equal(exp))

	u, _ := url.Parse("http://api.example.com:8080/v1/auth/me")
	names := map[string]string{}
	for _, c := range jar.Cookies(u) {
		names[c.Name] = c.Value
	}
	assert.Equal(t, map[string]string{"accessToken": "a1", "refreshToken": "r1"}, names)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Saving only an access token keeps the refresh cookie
	require.NoError(t, jar.Save(ctx, &TokenPair{AccessToken: "a2"}))
	pair = jar.Load(ctx)
	assert.Equal(t, "a2", pair.AccessToken)
	assert.Equal(t, "r1", pair.RefreshToken)

	require.NoError(t, jar.Clear(ctx))
	assert.Nil(t, jar.Load(ctx))
	assert.Empty(t, jar.Cookies(u))

	reopened, err := NewSessionJar("http://api.example.com:8080", WithJarFile(path))
	require.NoError(t, err)
	assert.Nil(t, reopened.Load(ctx))
}

func TestSessionJar_PersistsServerCookies(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cookies.json")
	jar, err := NewSessionJar("http://localhost:3000", WithJarFile(path))
	require.NoError(t, err)

	u, _ := url.Parse("http://localhost:3000/auth/login")
	jar.SetCookies(u, []*http.Cookie{
		{Name: "accessToken", Value: "a1", Path: "/", MaxAge: 900, HttpOnly: true},
		{Name: "refreshToken", Value: "r1", Path: "/", MaxAge: 3600, HttpOnly: true},
		{Name: "theme", Value: "dark"},
	})

	reopened, err := NewSessionJar("http://localhost:3000", WithJarFile(path))
	require.NoError(t, err)
	pair := reopened.Load(ctx)
	require.NotNil(t, pair)
	assert.Equal(t, "a1", pair.AccessToken)
	assert.Equal(t, "r1", pair.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(900*time.Second), pair.ExpiresAt, 5*time.Second)

	// The cookie without a path defaults to the directory of the request path
	home, _ := url.Parse("http://localhost:3000/")
	for _, c := range reopened.Cookies(home) {
		assert.NotEqual(t, "theme", c.Name)
	}
	authURL, _ := url.Parse("http://localhost:3000/auth/other")
	var found bool
	for _, c := range reopened.Cookies(authURL) {
		if c.Name == "theme" {
			found = true
		}
	}
	assert.True(t, found)

	// Deleting via Max-Age removes the cookie from the index
	reopened.SetCookies(u, []*http.Cookie{{Name: "accessToken", Path: "/", MaxAge: -1}})
	pair = reopened.Load(ctx)
	require.NotNil(t, pair)
	assert.Empty(t, pair.AccessToken)
	assert.Equal(t, "r1", pair.RefreshToken)
}

func TestSessionJar_CustomCookieNames(t *testing.T) {
	ctx := context.Background()
	jar, err := NewSessionJar("https://api.example.com", WithCookieNames("sid", "rid"))
	require.NoError(t, err)

	u, _ := url.Parse("https://api.example.com/auth/login")
	jar.SetCookies(u, []*http.Cookie{
		{Name: "sid", Value: "a", Path: "/", Secure: true},
		{Name: "rid", Value: "r", Path: "/", Secure: true},
	})
	pair := jar.Load(ctx)
	require.NotNil(t, pair)
	assert.Equal(t, "a", pair.AccessToken)
	assert.Equal(t, "r", pair.RefreshToken)
}

func TestSessionJar_InvalidURL(t *testing.T) {
	_, err := NewSessionJar("localhost")
	assert.Error(t, err)
}

func TestDefaultCookiePath(t *testing.T) {
	tests := map[string]string{
		"":            "/",
		"/":           "/",
		"/login":      "/",
		"/auth/login": "/auth",
		"/a/b/c":      "/a/b",
		"relative":    "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, defaultCookiePath(in), "defaultCookiePath(%q)", in)
	}
}
