package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRefreshThreshold is how long before expiry to proactively refresh
const DefaultRefreshThreshold = 30 * time.Second

// RequestIDHeader carries a per-request ID for log correlation
const RequestIDHeader = "X-Request-ID"

// AuthClient is an HTTP client with automatic token management
type AuthClient struct {
	baseURL       string
	basePath      string
	store         TokenStore
	jar           *SessionJar
	mode          CredentialMode
	endpoints     Endpoints
	coordinator   *Coordinator
	authState     *AuthState
	refresher     Refresher
	navigator     Navigator
	keyFunc       KeyFunc
	httpClient    *http.Client
	baseTransport http.RoundTripper
	threshold     time.Duration
	refreshTO     time.Duration
	loginPath     string
	redirectParam string
	logger        *slog.Logger
}

// ClientOption configures an AuthClient
type ClientOption func(*AuthClient)

// WithHTTPClient sets a custom base HTTP client (for timeouts, TLS config, etc.)
// The transport from this client will be wrapped with auth handling.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *AuthClient) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			c.baseTransport = client.Transport
		}
		c.httpClient.Timeout = client.Timeout
		c.httpClient.CheckRedirect = client.CheckRedirect
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, etc.)
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *AuthClient) {
		if transport != nil {
			c.baseTransport = transport
		}
	}
}

// WithEndpoints overrides API paths. Unset fields keep their defaults.
func WithEndpoints(e Endpoints) ClientOption {
	return func(c *AuthClient) {
		e.EnsureDefaults()
		c.endpoints = e
	}
}

// WithCookieJar switches the client to cookie mode. The jar is both the
// cookie store and the token store.
func WithCookieJar(jar *SessionJar) ClientOption {
	return func(c *AuthClient) {
		c.jar = jar
		c.mode = CredentialCookie
	}
}

// WithRefreshThreshold sets how long before expiry a request triggers a
// refresh before it is sent. Zero disables proactive refresh.
func WithRefreshThreshold(d time.Duration) ClientOption {
	return func(c *AuthClient) {
		c.threshold = d
	}
}

// WithRefreshTimeout bounds each refresh call
func WithRefreshTimeout(d time.Duration) ClientOption {
	return func(c *AuthClient) {
		c.refreshTO = d
	}
}

// WithLoginNavigator sets what happens when the session cannot be recovered
func WithLoginNavigator(n Navigator) ClientOption {
	return func(c *AuthClient) {
		c.navigator = n
	}
}

// WithLoginRoute sets the login path and its return-target parameter
func WithLoginRoute(path, redirectParam string) ClientOption {
	return func(c *AuthClient) {
		c.loginPath = path
		c.redirectParam = redirectParam
	}
}

// WithSessionKey scopes refreshes per session (see KeyFunc)
func WithSessionKey(f KeyFunc) ClientOption {
	return func(c *AuthClient) {
		c.keyFunc = f
	}
}

// WithRefresher replaces the refresh-endpoint call
func WithRefresher(r Refresher) ClientOption {
	return func(c *AuthClient) {
		c.refresher = r
	}
}

// WithAuthStateSignal shares an existing auth state between clients
func WithAuthStateSignal(s *AuthState) ClientOption {
	return func(c *AuthClient) {
		if s != nil {
			c.authState = s
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *AuthClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewAuthClient creates a new authenticated HTTP client for the API at baseURL.
// store may be nil in cookie mode.
func NewAuthClient(baseURL string, store TokenStore, opts ...ClientOption) (*AuthClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q", baseURL)
	}
	basePath := strings.TrimSuffix(u.Path, "/")

	c := &AuthClient{
		baseURL:       fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, basePath),
		basePath:      basePath,
		store:         store,
		endpoints:     DefaultEndpoints(),
		authState:     NewAuthState(),
		httpClient:    &http.Client{},
		baseTransport: http.DefaultTransport,
		threshold:     DefaultRefreshThreshold,
		refreshTO:     DefaultRefreshTimeout,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.mode == CredentialCookie {
		if c.jar == nil {
			return nil, fmt.Errorf("cookie mode requires a SessionJar")
		}
		c.store = c.jar
	}
	if c.store == nil {
		return nil, fmt.Errorf("a token store or a cookie jar is required")
	}
	if c.refresher == nil {
		c.refresher = &EndpointRefresher{
			URL:       c.baseURL + c.endpoints.Refresh,
			Transport: c.baseTransport,
			Mode:      c.mode,
			Jar:       c.jar,
		}
	}

	c.coordinator = NewCoordinator(c.store, c.refresher,
		WithNavigator(c.navigator),
		WithAuthState(c.authState),
		WithKeyFunc(c.keyFunc),
		WithLoginPath(c.loginPath, c.redirectParam),
		WithCoordinatorRefreshTimeout(c.refreshTO),
		WithCoordinatorLogger(c.logger),
	)

	// Wrap the base transport with auth handling
	rt := &refreshTransport{
		base:        c.baseTransport,
		coordinator: c.coordinator,
		mode:        c.mode,
		basePath:    basePath,
		exempt:      c.endpoints.Exempt(),
		threshold:   c.threshold,
		logger:      c.logger,
	}
	if c.jar != nil {
		rt.jar = c.jar
	}
	c.httpClient.Transport = rt

	c.authState.recompute(context.Background(), c.store)
	return c, nil
}

// HTTPClient returns the underlying HTTP client with auth handling
func (c *AuthClient) HTTPClient() *http.Client {
	return c.httpClient
}

// BaseURL returns the API base URL, without a trailing slash
func (c *AuthClient) BaseURL() string {
	return c.baseURL
}

// Mode returns how credentials are sent
func (c *AuthClient) Mode() CredentialMode {
	return c.mode
}

// Store returns the token store
func (c *AuthClient) Store() TokenStore {
	return c.store
}

// AuthState returns the auth-state signal this client publishes to
func (c *AuthClient) AuthState() *AuthState {
	return c.authState
}

// Coordinator returns the refresh coordinator
func (c *AuthClient) Coordinator() *Coordinator {
	return c.coordinator
}

// Endpoints returns the API paths in use
func (c *AuthClient) Endpoints() Endpoints {
	return c.endpoints
}

// IsLoggedIn returns true if a session indicator is present
func (c *AuthClient) IsLoggedIn(ctx context.Context) bool {
	pair := c.store.Load(ctx)
	return pair != nil && (pair.AccessToken != "" || pair.RefreshToken != "")
}

func (c *AuthClient) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

func (c *AuthClient) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

func (c *AuthClient) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

func (c *AuthClient) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// Do sends a JSON request and decodes the data of the success envelope into
// out. Any failure is returned as an *APIError.
func (c *AuthClient) Do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindValidation, Message: "failed to encode request", Path: path, Err: err}
		}
		reader = bytes.NewReader(jsonBody)
	}
	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return AsAPIError(err, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, path, out)
}

// Upload sends r as a multipart form file in field
func (c *AuthClient) Upload(ctx context.Context, path, field, filename string, r io.Reader, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return AsAPIError(err, path)
	}
	if _, err := io.Copy(part, r); err != nil {
		return AsAPIError(fmt.Errorf("failed to read upload: %w", err), path)
	}
	if err := mw.Close(); err != nil {
		return AsAPIError(err, path)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return AsAPIError(err, path)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req, path, out)
}

func (c *AuthClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())
	return req, nil
}

func (c *AuthClient) send(req *http.Request, path string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", req.Method, "path", path, "request_id", req.Header.Get(RequestIDHeader), "error", err)
		return AsAPIError(err, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeError(resp, path)
		c.logger.Debug("request rejected", "method", req.Method, "path", path, "status", resp.StatusCode, "request_id", req.Header.Get(RequestIDHeader))
		return apiErr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return AsAPIError(fmt.Errorf("failed to read response: %w", err), path)
	}
	if err := decodeSuccess(data, out); err != nil {
		return &APIError{Kind: KindServer, StatusCode: resp.StatusCode, Message: err.Error(), Path: path, Err: err}
	}
	return nil
}
