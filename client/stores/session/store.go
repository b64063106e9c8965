// Package session keeps the token pair inside an scs session so that a
// server-rendered frontend holds one pair per browser session. The browser
// only ever sees the opaque scs session cookie.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alexedwards/scs/v2"

	"github.com/panyam/authsession/client"
)

// DefaultKey is the session variable holding the encoded pair
const DefaultKey = "authsession.tokens"

// Store is a client.TokenStore over the scs session carried by the context.
// The context must come from a request wrapped by SessionManager.LoadAndSave
// (or from SessionManager.Load).
type Store struct {
	Session *scs.SessionManager
	Key     string
	Logger  *slog.Logger
}

// NewStore creates a store on sm with the default session variable
func NewStore(sm *scs.SessionManager) *Store {
	return (&Store{Session: sm}).EnsureDefaults()
}

func (s *Store) EnsureDefaults() *Store {
	if s.Key == "" {
		s.Key = DefaultKey
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return s
}

// Save writes the pair into the session and renews the session token, since
// a login changes the privilege level of the session.
func (s *Store) Save(ctx context.Context, pair *client.TokenPair) error {
	if pair == nil {
		return s.Clear(ctx)
	}
	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("failed to encode token pair: %w", err)
	}
	if !s.Session.Exists(ctx, s.Key) {
		if err := s.Session.RenewToken(ctx); err != nil {
			return fmt.Errorf("failed to renew session token: %w", err)
		}
	}
	s.Session.Put(ctx, s.Key, data)
	return nil
}

func (s *Store) Load(ctx context.Context) *client.TokenPair {
	data := s.Session.GetBytes(ctx, s.Key)
	if len(data) == 0 {
		return nil
	}
	var pair client.TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		s.Logger.Warn("discarding corrupt token pair in session", "error", err)
		s.Session.Remove(ctx, s.Key)
		return nil
	}
	return &pair
}

func (s *Store) Clear(ctx context.Context) error {
	s.Session.Remove(ctx, s.Key)
	return nil
}

// SessionKey is a client.KeyFunc scoping refreshes to the browser session, so
// two browsers never wait on each other's refresh.
func (s *Store) SessionKey(ctx context.Context) string {
	return s.Session.Token(ctx)
}

// Authenticated reports whether the request's session holds an access token.
// It plugs into the route guard of server-rendered pages.
func (s *Store) Authenticated(r *http.Request) bool {
	pair := s.Load(r.Context())
	return pair != nil && pair.AccessToken != ""
}

var _ client.TokenStore = (*Store)(nil)
