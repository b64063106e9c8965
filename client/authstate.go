package client

import (
	"context"
	"sync"
	"time"
)

// AuthSnapshot is one observation of the auth state
type AuthSnapshot struct {
	Authenticated bool
	User          *User
	ChangedAt     time.Time
}

// AuthState is the process-wide "who is signed in" signal.
// It is derived from the token store and recomputed on load, login, logout and
// after every refresh outcome. Consumers only read and subscribe.
type AuthState struct {
	mu      sync.RWMutex
	current AuthSnapshot
	subs    map[uint64]chan AuthSnapshot
	nextID  uint64
}

// NewAuthState creates an unauthenticated state
func NewAuthState() *AuthState {
	return &AuthState{
		current: AuthSnapshot{ChangedAt: time.Now()},
		subs:    make(map[uint64]chan AuthSnapshot),
	}
}

// Snapshot returns the current state
func (s *AuthState) Snapshot() AuthSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Authenticated reports whether a session indicator is present
func (s *AuthState) Authenticated() bool {
	return s.Snapshot().Authenticated
}

// User returns the signed-in user if it has been fetched
func (s *AuthState) User() *User {
	return s.Snapshot().User
}

// Subscribe returns a channel that receives every change. Slow readers only
// see the latest snapshot. Call cancel to unsubscribe.
func (s *AuthState) Subscribe() (<-chan AuthSnapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan AuthSnapshot, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *AuthState) recompute(ctx context.Context, store TokenStore) {
	pair := store.Load(ctx)
	authenticated := pair != nil && (pair.AccessToken != "" || pair.RefreshToken != "")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Authenticated == authenticated {
		return
	}
	next := AuthSnapshot{Authenticated: authenticated, ChangedAt: time.Now()}
	if authenticated {
		next.User = s.current.User
	}
	s.publishLocked(next)
}

func (s *AuthState) setUser(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(AuthSnapshot{
		Authenticated: user != nil || s.current.Authenticated,
		User:          user,
		ChangedAt:     time.Now(),
	})
}

func (s *AuthState) publishLocked(next AuthSnapshot) {
	s.current = next
	for _, ch := range s.subs {
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- next
		}
	}
}
