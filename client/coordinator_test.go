package client

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type recordingNavigator struct {
	mu      sync.Mutex
	targets []string
}

func (n *recordingNavigator) Navigate(_ context.Context, target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
}

func (n *recordingNavigator) Targets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}

// blockingRefresher counts calls and holds each one until release is closed
type blockingRefresher struct {
	calls   atomic.Int64
	release chan struct{}
	pair    *TokenPair
	err     error
}

func (r *blockingRefresher) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	r.calls.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.pair.Clone(), nil
}

func seededStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &TokenPair{AccessToken: "old-access", RefreshToken: "old-refresh"}))
	return store
}

func TestCoordinator_SingleFlight(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	refresher := &blockingRefresher{
		release: make(chan struct{}),
		pair:    &TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh"},
	}
	nav := &recordingNavigator{}
	c := NewCoordinator(store, refresher, WithNavigator(nav))

	const callers = 10
	results := make([]*TokenPair, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			pair, err := c.Refresh(ctx, "/sessions")
			results[i] = pair
			return err
		})
	}

	require.Eventually(t, func() bool {
		return c.Pending(ctx) == callers-1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRefreshInFlight, c.State(ctx))

	close(refresher.release)
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), refresher.calls.Load())
	assert.Equal(t, int64(1), c.Refreshes())
	for i, pair := range results {
		require.NotNil(t, pair, "caller %d", i)
		assert.Equal(t, "new-access", pair.AccessToken)
	}
	assert.Equal(t, "new-access", store.Load(ctx).AccessToken)
	assert.Equal(t, StateIdle, c.State(ctx))
	assert.Zero(t, c.Pending(ctx))
	assert.Empty(t, nav.Targets())
}

func TestCoordinator_SettlesWaitersInEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	refresher := &blockingRefresher{
		release: make(chan struct{}),
		pair:    &TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh"},
	}
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := NewCoordinator(store, refresher, WithCoordinatorLogger(log))

	var wg sync.WaitGroup
	call := func(ctx context.Context) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Refresh(ctx, "/sessions")
		}()
	}

	call(ctx)
	require.Eventually(t, func() bool {
		return c.State(ctx) == StateRefreshInFlight
	}, 2*time.Second, 5*time.Millisecond)

	// Queue four waiters one at a time; the second one gives up
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for i := 0; i < 4; i++ {
		wctx := ctx
		if i == 1 {
			wctx = cancelCtx
		}
		call(wctx)
		require.Eventually(t, func() bool {
			return c.Pending(ctx) == i+1
		}, 2*time.Second, 5*time.Millisecond)
	}

	c.mu.Lock()
	var queued []string
	for _, w := range c.flights[""].queue {
		queued = append(queued, w.id)
	}
	c.mu.Unlock()
	require.Len(t, queued, 4)

	cancel()
	require.Eventually(t, func() bool {
		return c.Pending(ctx) == 3
	}, 2*time.Second, 5*time.Millisecond)

	close(refresher.release)
	wg.Wait()

	var settled []string
	for _, line := range strings.Split(logs.String(), "\n") {
		if !strings.Contains(line, `msg="settling waiter"`) {
			continue
		}
		_, id, ok := strings.Cut(line, "waiter=")
		require.True(t, ok, line)
		settled = append(settled, strings.TrimSpace(id))
	}
	expected := []string{queued[0], queued[2], queued[3]}
	assert.Equal(t, expected, settled)
}

func TestCoordinator_FailureRejectsQueueAndRedirects(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	invalid := errors.New("invalid refresh token")
	refresher := &blockingRefresher{release: make(chan struct{}), err: invalid}
	nav := &recordingNavigator{}
	state := NewAuthState()
	state.recompute(ctx, store)
	require.True(t, state.Authenticated())

	c := NewCoordinator(store, refresher, WithNavigator(nav), WithAuthState(state))

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Refresh(ctx, "/sessions")
		}()
	}

	require.Eventually(t, func() bool {
		return c.Pending(ctx) == callers-1
	}, 2*time.Second, 5*time.Millisecond)
	close(refresher.release)
	wg.Wait()

	for i, err := range errs {
		assert.ErrorIs(t, err, ErrSessionExpired, "caller %d", i)
	}
	assert.Equal(t, int64(1), refresher.calls.Load())
	assert.Nil(t, store.Load(ctx))
	assert.False(t, state.Authenticated())
	assert.Equal(t, []string{"/login?redirect=/sessions"}, nav.Targets())
	assert.Equal(t, StateIdle, c.State(ctx))
}

func TestCoordinator_NoRefreshToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var calls atomic.Int64
	refresher := RefresherFunc(func(context.Context, string) (*TokenPair, error) {
		calls.Add(1)
		return nil, nil
	})
	nav := &recordingNavigator{}
	c := NewCoordinator(store, refresher, WithNavigator(nav), WithLoginPath("/signin", "next"))

	_, err := c.Refresh(ctx, "/profile")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Zero(t, calls.Load())
	assert.Equal(t, []string{"/signin?next=/profile"}, nav.Targets())
}

func TestCoordinator_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	var got string
	c := NewCoordinator(store, RefresherFunc(func(_ context.Context, refreshToken string) (*TokenPair, error) {
		got = refreshToken
		return &TokenPair{AccessToken: "new-access"}, nil
	}))

	pair, err := c.Refresh(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, "old-refresh", got)
	assert.Equal(t, "old-refresh", pair.RefreshToken)
	assert.Equal(t, "old-refresh", store.Load(ctx).RefreshToken)
}

func TestCoordinator_CancelledWaiterIsDropped(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	refresher := &blockingRefresher{
		release: make(chan struct{}),
		pair:    &TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh"},
	}
	c := NewCoordinator(store, refresher)

	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, "/")
		leaderDone <- err
	}()
	require.Eventually(t, func() bool {
		return c.State(ctx) == StateRefreshInFlight
	}, 2*time.Second, 5*time.Millisecond)

	waitCtx, cancel := context.WithCancel(ctx)
	waiterDone := make(chan error, 1)
	go func() {
		_, err := c.Refresh(waitCtx, "/")
		waiterDone <- err
	}()
	require.Eventually(t, func() bool {
		return c.Pending(ctx) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-waiterDone, context.Canceled)
	assert.Zero(t, c.Pending(ctx))

	close(refresher.release)
	assert.NoError(t, <-leaderDone)
}

func TestCoordinator_LeaderCancellationDoesNotAbortRefresh(t *testing.T) {
	store := seededStore(t)
	refresher := &blockingRefresher{
		release: make(chan struct{}),
		pair:    &TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh"},
	}
	c := NewCoordinator(store, refresher)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.Refresh(leaderCtx, "/")
		leaderDone <- err
	}()
	require.Eventually(t, func() bool {
		return refresher.calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	close(refresher.release)
	require.NoError(t, <-leaderDone)
	assert.Equal(t, "new-access", store.Load(context.Background()).AccessToken)
}

func TestCoordinator_RefreshTimeout(t *testing.T) {
	store := seededStore(t)
	refresher := &blockingRefresher{release: make(chan struct{})}
	nav := &recordingNavigator{}
	c := NewCoordinator(store, refresher, WithNavigator(nav), WithCoordinatorRefreshTimeout(50*time.Millisecond))

	_, err := c.Refresh(context.Background(), "/sessions")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, store.Load(context.Background()))
	assert.Len(t, nav.Targets(), 1)
}

func TestCoordinator_SessionKeysAreIndependent(t *testing.T) {
	type keyCtx struct{}
	keyOf := func(ctx context.Context) string {
		s, _ := ctx.Value(keyCtx{}).(string)
		return s
	}
	store := seededStore(t)
	refresher := &blockingRefresher{
		release: make(chan struct{}),
		pair:    &TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh"},
	}
	c := NewCoordinator(store, refresher, WithKeyFunc(keyOf))

	alice := context.WithValue(context.Background(), keyCtx{}, "alice")
	bob := context.WithValue(context.Background(), keyCtx{}, "bob")

	var g errgroup.Group
	g.Go(func() error {
		_, err := c.Refresh(alice, "/")
		return err
	})
	require.Eventually(t, func() bool {
		return c.State(alice) == StateRefreshInFlight
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateIdle, c.State(bob))

	close(refresher.release)
	require.NoError(t, g.Wait())
}

func TestCoordinator_Forbidden(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	nav := &recordingNavigator{}
	c := NewCoordinator(store, RefresherFunc(func(context.Context, string) (*TokenPair, error) {
		t.Fatal("forbidden must not refresh")
		return nil, nil
	}), WithNavigator(nav))

	c.Forbidden(ctx, "/admin")
	assert.Equal(t, []string{"/login?redirect=/admin"}, nav.Targets())
	assert.NotNil(t, store.Load(ctx))
}

func TestCoordinator_TokenSource(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, &TokenPair{
		AccessToken:  "expired",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))
	c := NewCoordinator(store, RefresherFunc(func(context.Context, string) (*TokenPair, error) {
		return &TokenPair{AccessToken: "fresh", RefreshToken: "r2", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}))

	src := c.TokenSource(ctx)
	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)

	// Valid token is served from the store
	tok, err = src.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, int64(1), c.Refreshes())
}
