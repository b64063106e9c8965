package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Default names of the session cookies set by the API
const (
	DefaultAccessCookie  = "accessToken"
	DefaultRefreshCookie = "refreshToken"
)

// SessionJar is the token store of the cookie-based variant. The API sets the
// access and refresh tokens as cookies; the jar sends them back and can
// persist them to a JSON file between runs.
//
// cookiejar.Jar does not expose enumeration, so the jar keeps its own index of
// every cookie it accepted. The index is what gets persisted and what Load reads.
type SessionJar struct {
	mu            sync.RWMutex
	inner         *cookiejar.Jar
	index         map[string]persistedCookie
	path          string
	apiURL        *url.URL
	accessCookie  string
	refreshCookie string
	logger        *slog.Logger
}

type persistedCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Host     string    `json:"host"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires"`
	Secure   bool      `json:"secure"`
	HttpOnly bool      `json:"httpOnly"`
}

type cookieSnapshot struct {
	Cookies []persistedCookie `json:"cookies"`
}

// SessionJarOption configures a SessionJar
type SessionJarOption func(*SessionJar)

// WithJarFile persists the jar at path
func WithJarFile(path string) SessionJarOption {
	return func(j *SessionJar) {
		j.path = path
	}
}

// WithCookieNames overrides the access/refresh cookie names
func WithCookieNames(access, refresh string) SessionJarOption {
	return func(j *SessionJar) {
		if access != "" {
			j.accessCookie = access
		}
		if refresh != "" {
			j.refreshCookie = refresh
		}
	}
}

// WithJarLogger sets the logger
func WithJarLogger(l *slog.Logger) SessionJarOption {
	return func(j *SessionJar) {
		if l != nil {
			j.logger = l
		}
	}
}

// NewSessionJar creates a jar for the API at apiURL
func NewSessionJar(apiURL string, opts ...SessionJarOption) (*SessionJar, error) {
	u, err := url.Parse(apiURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q", apiURL)
	}
	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	j := &SessionJar{
		inner:         inner,
		index:         make(map[string]persistedCookie),
		apiURL:        u,
		accessCookie:  DefaultAccessCookie,
		refreshCookie: DefaultRefreshCookie,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.path != "" {
		if err := j.load(); err != nil {
			return nil, fmt.Errorf("failed to load cookie jar: %w", err)
		}
	}
	return j, nil
}

// Cookies implements http.CookieJar
func (j *SessionJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.inner.Cookies(u)
}

// SetCookies implements http.CookieJar
func (j *SessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.setLocked(u, cookies)
	if err := j.saveLocked(); err != nil {
		j.logger.Warn("failed to persist cookie jar", "path", j.path, "error", err)
	}
}

// Save writes the pair as session cookies for the API host. Empty values are skipped.
func (j *SessionJar) Save(_ context.Context, pair *TokenPair) error {
	if pair == nil {
		return nil
	}
	var cookies []*http.Cookie
	if pair.AccessToken != "" {
		cookies = append(cookies, &http.Cookie{Name: j.accessCookie, Value: pair.AccessToken, Path: "/", Expires: pair.ExpiresAt, HttpOnly: true})
	}
	if pair.RefreshToken != "" {
		cookies = append(cookies, &http.Cookie{Name: j.refreshCookie, Value: pair.RefreshToken, Path: "/", HttpOnly: true})
	}
	if len(cookies) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.setLocked(j.rootURL(), cookies)
	return j.saveLocked()
}

// Load returns the session cookies as a pair. Only cookie values are known;
// ExpiresAt comes from the access cookie's expiry when the server sent one.
func (j *SessionJar) Load(_ context.Context) *TokenPair {
	j.mu.RLock()
	defer j.mu.RUnlock()
	host := hostOnly(j.apiURL.Host)
	var pair TokenPair
	for _, pc := range j.index {
		if pc.expired() || !domainMatches(host, pc) {
			continue
		}
		switch pc.Name {
		case j.accessCookie:
			pair.AccessToken = pc.Value
			pair.ExpiresAt = pc.Expires
		case j.refreshCookie:
			pair.RefreshToken = pc.Value
		}
	}
	if pair.AccessToken == "" && pair.RefreshToken == "" {
		return nil
	}
	return &pair
}

// Clear expires the session cookies
func (j *SessionJar) Clear(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for key, pc := range j.index {
		if pc.Name != j.accessCookie && pc.Name != j.refreshCookie {
			continue
		}
		u := &url.URL{Scheme: pc.scheme(), Host: pc.Host, Path: pc.Path}
		j.inner.SetCookies(u, []*http.Cookie{{
			Name:   pc.Name,
			Domain: pc.Domain,
			Path:   pc.Path,
			MaxAge: -1,
		}})
		delete(j.index, key)
	}
	return j.saveLocked()
}

// HasSession reports whether a session cookie is present
func (j *SessionJar) HasSession() bool {
	return j.Load(context.Background()) != nil
}

// Path returns the file the jar is persisted to
func (j *SessionJar) Path() string {
	return j.path
}

func (j *SessionJar) rootURL() *url.URL {
	return &url.URL{Scheme: j.apiURL.Scheme, Host: j.apiURL.Host, Path: "/"}
}

func (j *SessionJar) setLocked(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)
	now := time.Now()
	for _, c := range cookies {
		pc := persistedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Host:     hostOnly(u.Host),
			Domain:   strings.TrimPrefix(c.Domain, "."),
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}
		if pc.Path == "" || !strings.HasPrefix(pc.Path, "/") {
			pc.Path = defaultCookiePath(u.Path)
		}
		if c.MaxAge > 0 {
			pc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		key := pc.key()
		if c.MaxAge < 0 || pc.expired() {
			delete(j.index, key)
			continue
		}
		j.index[key] = pc
	}
}

func (j *SessionJar) saveLocked() error {
	if j.path == "" {
		return nil
	}
	snap := cookieSnapshot{Cookies: make([]persistedCookie, 0, len(j.index))}
	for _, pc := range j.index {
		if !pc.expired() {
			snap.Cookies = append(snap.Cookies, pc)
		}
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}

func (j *SessionJar) load() error {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snap cookieSnapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		return err
	}
	for _, pc := range snap.Cookies {
		if pc.expired() || pc.Host == "" {
			continue
		}
		u := &url.URL{Scheme: pc.scheme(), Host: pc.Host, Path: pc.Path}
		j.inner.SetCookies(u, []*http.Cookie{{
			Name:     pc.Name,
			Value:    pc.Value,
			Domain:   pc.Domain,
			Path:     pc.Path,
			Expires:  pc.Expires,
			Secure:   pc.Secure,
			HttpOnly: pc.HttpOnly,
		}})
		j.index[pc.key()] = pc
	}
	return nil
}

func (pc persistedCookie) key() string {
	domain := pc.Domain
	if domain == "" {
		domain = pc.Host
	}
	return domain + "|" + pc.Path + "|" + pc.Name
}

func (pc persistedCookie) expired() bool {
	return !pc.Expires.IsZero() && time.Now().After(pc.Expires)
}

func (pc persistedCookie) scheme() string {
	if pc.Secure {
		return "https"
	}
	return "http"
}

func domainMatches(host string, pc persistedCookie) bool {
	if pc.Domain == "" {
		return host == pc.Host
	}
	return host == pc.Domain || strings.HasSuffix(host, "."+pc.Domain)
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		return h
	}
	return host
}

// defaultCookiePath implements the default-path rule of RFC 6265 section 5.1.4
func defaultCookiePath(requestPath string) string {
	if requestPath == "" || requestPath[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(requestPath, "/")
	if i == 0 {
		return "/"
	}
	return requestPath[:i]
}
