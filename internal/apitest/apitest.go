// Package apitest is an in-process fake of the remote REST API. It issues
// short-lived JWT access tokens and rotating refresh tokens, answers with the
// success/error envelopes, and can be told to misbehave (fail or stall
// refreshes, forbid paths, expire every access token) so that client behavior
// can be tested end to end.
package apitest

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

// Default token lifetimes
const (
	DefaultAccessTokenExpiry  = 15 * time.Minute
	DefaultRefreshTokenExpiry = 7 * 24 * time.Hour
)

// Names of the session cookies in cookie mode
const (
	AccessCookie  = "accessToken"
	RefreshCookie = "refreshToken"
)

// Options configures the fake API
type Options struct {
	// JWTSecretKey signs access tokens. A random key is used when empty.
	JWTSecretKey string

	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration

	// Cookies makes login/register/refresh answer with httpOnly cookies
	// instead of tokens in the body, and accepts the access cookie on requests.
	Cookies bool

	// PathPrefix is prepended to every route, e.g. "/api"
	PathPrefix string
}

// API is the fake backend. It implements http.Handler.
type API struct {
	opts   Options
	router *mux.Router

	mu            sync.Mutex
	users         map[string]*user    // by ID
	sessions      map[string]*session // by ID
	refreshTokens map[string]string   // refresh token -> session ID
	verifyTokens  map[string]string   // token -> user ID
	resetTokens   map[string]string   // token -> user ID
	forced        map[string]int      // path -> status
	generation    int64

	refreshCalls  atomic.Int64
	failRefresh   atomic.Bool
	refreshDelay  atomic.Int64
	requestCounts sync.Map // path -> *atomic.Int64
}

// New creates a fake API
func New(opts Options) *API {
	if opts.JWTSecretKey == "" {
		opts.JWTSecretKey = randomToken()
	}
	if opts.AccessTokenExpiry == 0 {
		opts.AccessTokenExpiry = DefaultAccessTokenExpiry
	}
	if opts.RefreshTokenExpiry == 0 {
		opts.RefreshTokenExpiry = DefaultRefreshTokenExpiry
	}
	a := &API{
		opts:          opts,
		users:         make(map[string]*user),
		sessions:      make(map[string]*session),
		refreshTokens: make(map[string]string),
		verifyTokens:  make(map[string]string),
		resetTokens:   make(map[string]string),
		forced:        make(map[string]int),
	}
	a.router = a.routes()
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.counter(r.URL.Path).Add(1)
	a.mu.Lock()
	status, ok := a.forced[r.URL.Path]
	a.mu.Unlock()
	if ok {
		writeError(w, r, status, http.StatusText(status), nil)
		return
	}
	a.router.ServeHTTP(w, r)
}

// RefreshCalls returns how many times the refresh endpoint was hit
func (a *API) RefreshCalls() int64 {
	return a.refreshCalls.Load()
}

// Requests returns how many requests reached path (including the prefix)
func (a *API) Requests(path string) int64 {
	return a.counter(path).Load()
}

// FailRefresh makes every refresh answer 401 while set
func (a *API) FailRefresh(fail bool) {
	a.failRefresh.Store(fail)
}

// DelayRefresh stalls every refresh by d before answering
func (a *API) DelayRefresh(d time.Duration) {
	a.refreshDelay.Store(int64(d))
}

// Force answers every request to path with status until Unforce is called
func (a *API) Force(path string, status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forced[a.opts.PathPrefix+path] = status
}

// Unforce removes a forced status
func (a *API) Unforce(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.forced, a.opts.PathPrefix+path)
}

// ExpireAccessTokens makes every access token issued so far invalid.
// Refresh tokens stay valid.
func (a *API) ExpireAccessTokens() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
}

func (a *API) counter(path string) *atomic.Int64 {
	v, _ := a.requestCounts.LoadOrStore(path, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// createAccessToken creates a signed JWT access token
func (a *API) createAccessToken(userID, sessionID string) (string, int64, error) {
	a.mu.Lock()
	gen := a.generation
	a.mu.Unlock()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"sid":  sessionID,
		"gen":  gen,
		"type": "access",
		"jti":  randomToken(),
		"iat":  now.Unix(),
		"exp":  now.Add(a.opts.AccessTokenExpiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.opts.JWTSecretKey))
	if err != nil {
		return "", 0, err
	}
	return signed, int64(a.opts.AccessTokenExpiry.Seconds()), nil
}

// validateAccessToken returns the user and session of a valid token
func (a *API) validateAccessToken(tokenString string) (string, string, bool) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return []byte(a.opts.JWTSecretKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", "", false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", false
	}
	userID, _ := claims["sub"].(string)
	sessionID, _ := claims["sid"].(string)
	gen, _ := claims["gen"].(float64)

	a.mu.Lock()
	defer a.mu.Unlock()
	if int64(gen) != a.generation {
		return "", "", false
	}
	if s, ok := a.sessions[sessionID]; !ok || s.revoked {
		return "", "", false
	}
	return userID, sessionID, true
}

func randomToken() string {
	b := make([]byte, 24)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

type successEnvelope struct {
	Success    bool      `json:"success"`
	StatusCode int       `json:"statusCode"`
	Message    string    `json:"message,omitempty"`
	Path       string    `json:"path"`
	Timestamp  time.Time `json:"timestamp"`
	Data       any       `json:"data,omitempty"`
}

type errorEnvelope struct {
	Success    bool         `json:"success"`
	StatusCode int          `json:"statusCode"`
	Error      string       `json:"error"`
	Message    any          `json:"message"`
	Path       string       `json:"path"`
	Timestamp  time.Time    `json:"timestamp"`
	Errors     []FieldError `json:"errors,omitempty"`
}

// FieldError is one entry of a validation failure
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

func writeData(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(successEnvelope{
		Success:    true,
		StatusCode: status,
		Message:    message,
		Path:       r.URL.Path,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	})
}

// writeError answers with the error envelope. A message with several field
// errors is sent as an array, the way NestJS validation pipes do.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string, fields []FieldError) {
	var msg any = message
	if len(fields) > 1 {
		msgs := make([]string, 0, len(fields))
		for _, f := range fields {
			msgs = append(msgs, f.Message)
		}
		msg = msgs
	}
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{
		Success:    false,
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    msg,
		Path:       r.URL.Path,
		Timestamp:  time.Now().UTC(),
		Errors:     fields,
	})
}
