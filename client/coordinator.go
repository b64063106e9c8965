package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the refresh state of one session
type State int

const (
	StateIdle State = iota
	StateRefreshInFlight
	StateRedirecting
)

func (s State) String() string {
	switch s {
	case StateRefreshInFlight:
		return "refresh_in_flight"
	case StateRedirecting:
		return "redirecting"
	default:
		return "idle"
	}
}

// DefaultRefreshTimeout bounds a single call to the refresh endpoint
const DefaultRefreshTimeout = 10 * time.Second

// Refresher exchanges a refresh token for a new token pair
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// RefresherFunc adapts a function to the Refresher interface
type RefresherFunc func(ctx context.Context, refreshToken string) (*TokenPair, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return f(ctx, refreshToken)
}

// Navigator sends the user somewhere else, typically the login page
type Navigator interface {
	Navigate(ctx context.Context, target string)
}

// NavigatorFunc adapts a function to the Navigator interface
type NavigatorFunc func(ctx context.Context, target string)

func (f NavigatorFunc) Navigate(ctx context.Context, target string) {
	f(ctx, target)
}

// KeyFunc picks the session a request belongs to. Requests with the same key
// share one refresh.
type KeyFunc func(ctx context.Context) string

type outcome struct {
	pair *TokenPair
	err  error
}

type waiter struct {
	id   string
	done chan outcome
}

// flight is the refresh state machine of one session key
type flight struct {
	state State
	queue []*waiter
}

// Coordinator makes sure that at most one refresh per session is in flight.
// Requests that fail authentication while a refresh is running wait for it and
// are then resumed with the new pair, or rejected with its error.
type Coordinator struct {
	mu      sync.Mutex
	flights map[string]*flight

	store          TokenStore
	refresher      Refresher
	navigator      Navigator
	authState      *AuthState
	keyFunc        KeyFunc
	loginPath      string
	redirectParam  string
	refreshTimeout time.Duration
	logger         *slog.Logger

	refreshes atomic.Int64
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithNavigator sets where the user is sent on an unrecoverable auth failure
func WithNavigator(n Navigator) CoordinatorOption {
	return func(c *Coordinator) {
		c.navigator = n
	}
}

// WithAuthState makes the coordinator recompute state after every refresh outcome
func WithAuthState(s *AuthState) CoordinatorOption {
	return func(c *Coordinator) {
		c.authState = s
	}
}

// WithKeyFunc scopes refreshes to a session key (e.g. a browser session ID)
func WithKeyFunc(f KeyFunc) CoordinatorOption {
	return func(c *Coordinator) {
		if f != nil {
			c.keyFunc = f
		}
	}
}

// WithLoginPath sets the login destination and the name of its return-target parameter
func WithLoginPath(path, redirectParam string) CoordinatorOption {
	return func(c *Coordinator) {
		if path != "" {
			c.loginPath = path
		}
		if redirectParam != "" {
			c.redirectParam = redirectParam
		}
	}
}

// WithCoordinatorRefreshTimeout bounds each refresh call
func WithCoordinatorRefreshTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithCoordinatorLogger sets the logger
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator creates a coordinator. Create one per process (or per client)
// and share it by reference.
func NewCoordinator(store TokenStore, refresher Refresher, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		flights:        make(map[string]*flight),
		store:          store,
		refresher:      refresher,
		keyFunc:        func(context.Context) string { return "" },
		loginPath:      "/login",
		redirectParam:  "redirect",
		refreshTimeout: DefaultRefreshTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the token store the coordinator writes to
func (c *Coordinator) Store() TokenStore {
	return c.store
}

// State returns the refresh state of the session ctx belongs to
func (c *Coordinator) State(ctx context.Context) State {
	key := c.keyFunc(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[key]; ok {
		return f.state
	}
	return StateIdle
}

// Pending returns the number of requests queued behind the refresh of the session ctx belongs to
func (c *Coordinator) Pending(ctx context.Context) int {
	key := c.keyFunc(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[key]; ok {
		return len(f.queue)
	}
	return 0
}

// Refreshes returns how many refresh calls have been issued
func (c *Coordinator) Refreshes() int64 {
	return c.refreshes.Load()
}

// Refresh obtains a fresh token pair for the session ctx belongs to.
//
// The first caller runs the refresh. Callers arriving while it runs are queued
// and receive its result. If the refresh fails the store is cleared, the user is
// sent to the login page with returnPath as the return target, and every caller
// gets an error matching ErrSessionExpired.
func (c *Coordinator) Refresh(ctx context.Context, returnPath string) (*TokenPair, error) {
	key := c.keyFunc(ctx)

	c.mu.Lock()
	f, ok := c.flights[key]
	if !ok {
		f = &flight{}
		c.flights[key] = f
	}
	switch f.state {
	case StateRefreshInFlight:
		w := &waiter{id: uuid.NewString(), done: make(chan outcome, 1)}
		f.queue = append(f.queue, w)
		c.mu.Unlock()
		c.logger.Debug("waiting for in-flight token refresh", "waiter", w.id)
		return c.wait(ctx, key, w)
	case StateRedirecting:
		c.mu.Unlock()
		return nil, ErrSessionExpired
	}
	f.state = StateRefreshInFlight
	c.mu.Unlock()

	pair, err := c.runRefresh(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	c.settle(ctx, key, f, pair, err, returnPath)
	if err != nil {
		return nil, err
	}
	return pair.Clone(), nil
}

// Forbidden handles an authorization failure: nothing is cleared, the user is
// sent to the login page.
func (c *Coordinator) Forbidden(ctx context.Context, returnPath string) {
	c.logger.Info("access forbidden, redirecting to login", "path", returnPath)
	c.navigate(ctx, returnPath)
}

// LoginURL returns the login destination with returnPath attached
func (c *Coordinator) LoginURL(returnPath string) string {
	return LoginRedirect(c.loginPath, c.redirectParam, returnPath)
}

func (c *Coordinator) runRefresh(ctx context.Context) (*TokenPair, error) {
	refreshToken, ok := RefreshToken(ctx, c.store)
	if !ok {
		return nil, ErrNoRefreshToken
	}

	// Outlives the caller that started it; queued requests share the result
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()

	c.refreshes.Add(1)
	pair, err := c.refresher.Refresh(rctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, fmt.Errorf("refresh returned no tokens")
	}

	// Use new refresh token if provided, otherwise keep the old one
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	if err := c.store.Save(context.WithoutCancel(ctx), pair); err != nil {
		return nil, fmt.Errorf("failed to store refreshed tokens: %w", err)
	}
	return pair, nil
}

func (c *Coordinator) settle(ctx context.Context, key string, f *flight, pair *TokenPair, err error, returnPath string) {
	detached := context.WithoutCancel(ctx)

	if err != nil {
		c.logger.Warn("token refresh failed, ending session", "error", err)
		if clearErr := c.store.Clear(detached); clearErr != nil {
			c.logger.Warn("failed to clear tokens", "error", clearErr)
		}
	} else {
		c.logger.Debug("token refresh succeeded")
	}

	c.mu.Lock()
	waiters := f.queue
	f.queue = nil
	if err != nil {
		f.state = StateRedirecting
	} else {
		f.state = StateIdle
		delete(c.flights, key)
	}
	c.mu.Unlock()

	// In enqueue order
	for _, w := range waiters {
		c.logger.Debug("settling waiter", "waiter", w.id)
		if err != nil {
			w.done <- outcome{err: err}
		} else {
			w.done <- outcome{pair: pair.Clone()}
		}
	}

	if c.authState != nil {
		c.authState.recompute(detached, c.store)
	}
	if err == nil {
		return
	}

	c.navigate(detached, returnPath)

	c.mu.Lock()
	f.state = StateIdle
	if c.flights[key] == f && len(f.queue) == 0 {
		delete(c.flights, key)
	}
	c.mu.Unlock()
}

func (c *Coordinator) wait(ctx context.Context, key string, w *waiter) (*TokenPair, error) {
	select {
	case out := <-w.done:
		return out.pair, out.err
	case <-ctx.Done():
		c.mu.Lock()
		if f, ok := c.flights[key]; ok {
			for i, q := range f.queue {
				if q == w {
					f.queue = append(f.queue[:i], f.queue[i+1:]...)
					break
				}
			}
		}
		c.mu.Unlock()
		c.logger.Debug("dropped cancelled waiter", "waiter", w.id)
		return nil, ctx.Err()
	}
}

func (c *Coordinator) navigate(ctx context.Context, returnPath string) {
	if c.navigator == nil {
		return
	}
	c.navigator.Navigate(ctx, c.LoginURL(returnPath))
}

// LoginRedirect builds "<loginPath>?<param>=<returnPath>".
// Slashes in the return path are kept readable.
func LoginRedirect(loginPath, param, returnPath string) string {
	if returnPath == "" {
		return loginPath
	}
	encoded := strings.NewReplacer("+", "%20", "%2F", "/").Replace(url.QueryEscape(returnPath))
	return fmt.Sprintf("%s?%s=%s", loginPath, param, encoded)
}
