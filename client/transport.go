package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// CredentialMode selects how the credential travels with each request
type CredentialMode int

const (
	// CredentialBearer sends "Authorization: Bearer <access token>" from the token store
	CredentialBearer CredentialMode = iota
	// CredentialCookie sends the accessToken/refreshToken session cookies from a SessionJar
	CredentialCookie
)

func (m CredentialMode) String() string {
	if m == CredentialCookie {
		return "cookie"
	}
	return "bearer"
}

type contextKey string

const (
	contextKeyRetried    contextKey = "authsession_retried"
	contextKeyReturnPath contextKey = "authsession_return_path"
)

// ContextWithReturnPath sets the path the user should come back to after a
// forced login. Without it the API path of the failing request is used.
func ContextWithReturnPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, contextKeyReturnPath, path)
}

// ReturnPathFromContext returns the path set by ContextWithReturnPath
func ReturnPathFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyReturnPath).(string); ok {
		return v
	}
	return ""
}

// IsRetried reports whether req has already been replayed after a refresh
func IsRetried(req *http.Request) bool {
	v, _ := req.Context().Value(contextKeyRetried).(bool)
	return v
}

func markRetried(req *http.Request) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), contextKeyRetried, true))
}

// refreshTransport is an http.RoundTripper that attaches the credential and
// hands authentication failures to the Coordinator.
type refreshTransport struct {
	base        http.RoundTripper
	coordinator *Coordinator
	mode        CredentialMode
	jar         http.CookieJar
	basePath    string
	exempt      map[string]bool
	threshold   time.Duration
	logger      *slog.Logger
}

func (t *refreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	exempt := t.isExempt(req)
	returnPath := t.returnPath(req)

	if err := makeReplayable(req); err != nil {
		return nil, err
	}

	if !exempt && !IsRetried(req) && t.needsRefresh(ctx) {
		t.logger.Debug("access token expiring, refreshing before request", "path", returnPath)
		if _, err := t.coordinator.Refresh(ctx, returnPath); err != nil {
			return nil, err
		}
	}

	resp, sent, err := t.send(req)
	if err != nil || exempt {
		return resp, err
	}

	switch resp.StatusCode {
	case http.StatusForbidden:
		t.coordinator.Forbidden(ctx, returnPath)
		return resp, nil
	case http.StatusUnauthorized:
		if IsRetried(req) {
			return resp, nil
		}
	default:
		return resp, nil
	}

	// Close the prior body so we don't leak.
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retry := markRetried(req)

	// Another request already replaced the credential this one carried
	if current, ok := AccessToken(ctx, t.coordinator.Store()); ok && sent != "" && current != sent {
		t.logger.Debug("credential rotated while request was in flight, replaying", "path", returnPath)
		return t.replay(retry, returnPath)
	}

	if _, err := t.coordinator.Refresh(ctx, returnPath); err != nil {
		return nil, err
	}
	return t.replay(retry, returnPath)
}

// replay sends the marked request once more. A 401 on the replay is returned
// as is, a 403 still sends the user to login.
func (t *refreshTransport) replay(retry *http.Request, returnPath string) (*http.Response, error) {
	resp, _, err := t.send(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		t.coordinator.Forbidden(retry.Context(), returnPath)
	}
	return resp, nil
}

// send clones req, attaches the current credential and performs the round
// trip. It also returns the access token the attempt carried.
func (t *refreshTransport) send(req *http.Request) (*http.Response, string, error) {
	attempt, err := clone(req)
	if err != nil {
		return nil, "", err
	}

	token, _ := AccessToken(req.Context(), t.coordinator.Store())
	switch t.mode {
	case CredentialCookie:
		attempt.Header.Del("Cookie")
		attempt.Header.Del("Authorization")
		if t.jar != nil {
			for _, c := range t.jar.Cookies(attempt.URL) {
				attempt.AddCookie(c)
			}
		}
	default:
		if token != "" {
			attempt.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.base.RoundTrip(attempt)
	if err != nil {
		return nil, token, err
	}
	if t.mode == CredentialCookie && t.jar != nil {
		if cookies := resp.Cookies(); len(cookies) > 0 {
			t.jar.SetCookies(attempt.URL, cookies)
		}
	}
	return resp, token, nil
}

func (t *refreshTransport) needsRefresh(ctx context.Context) bool {
	if t.threshold <= 0 {
		return false
	}
	pair := t.coordinator.Store().Load(ctx)
	if pair == nil || !pair.HasRefreshToken() {
		return false
	}
	return pair.AccessToken == "" || pair.IsExpiringSoon(t.threshold)
}

func (t *refreshTransport) isExempt(req *http.Request) bool {
	return t.exempt[t.relativePath(req)]
}

func (t *refreshTransport) returnPath(req *http.Request) string {
	if p := ReturnPathFromContext(req.Context()); p != "" {
		return p
	}
	return t.relativePath(req)
}

func (t *refreshTransport) relativePath(req *http.Request) string {
	p := strings.TrimPrefix(req.URL.Path, t.basePath)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// makeReplayable buffers the request body once so that it can be re-sent
func makeReplayable(r *http.Request) error {
	if r.Body == nil || r.Body == http.NoBody || r.GetBody != nil {
		return nil
	}
	buf, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return err
	}
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	r.Body, _ = r.GetBody()
	return nil
}

func clone(r *http.Request) (*http.Request, error) {
	cloned := r.Clone(r.Context())
	if r.GetBody != nil && r.Body != nil && r.Body != http.NoBody {
		body, err := r.GetBody()
		if err != nil {
			return nil, err
		}
		cloned.Body = body
	}
	return cloned, nil
}
