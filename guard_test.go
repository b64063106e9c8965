package authsession

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/authsession/client"
)

func TestGuard_Decide(t *testing.T) {
	g := &Guard{Open: []string{"/static", "/healthz"}}

	tests := []struct {
		name          string
		path          string
		authenticated bool
		want          Decision
	}{
		{"private signed out", "/sessions", false, Decision{Location: "/login?redirect=/sessions"}},
		{"private nested signed out", "/users/42/edit", false, Decision{Location: "/login?redirect=/users/42/edit"}},
		{"private signed in", "/sessions", true, Decision{Allow: true}},
		{"root signed out", "/", false, Decision{Location: "/login?redirect=/"}},
		{"login signed out", "/login", false, Decision{Allow: true}},
		{"login signed in", "/login", true, Decision{Location: "/"}},
		{"reset signed in", "/reset-password/abc", true, Decision{Location: "/"}},
		{"segment boundary", "/registered-users", false, Decision{Location: "/login?redirect=/registered-users"}},
		{"open signed out", "/static/app.css", false, Decision{Allow: true}},
		{"open signed in", "/healthz", true, Decision{Allow: true}},
		{"empty path", "", true, Decision{Allow: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Decide(tt.path, tt.authenticated))
		})
	}
}

func TestGuard_CustomRoutes(t *testing.T) {
	g := &Guard{LoginPath: "/signin", HomePath: "/dashboard", RedirectParam: "next", PublicOnly: []string{"/signin"}}

	assert.Equal(t, Decision{Location: "/signin?next=/profile"}, g.Decide("/profile", false))
	assert.Equal(t, Decision{Location: "/dashboard"}, g.Decide("/signin", true))
	// Only the configured public-only routes bounce
	assert.Equal(t, Decision{Allow: true}, g.Decide("/register", true))
}

func TestGuard_Middleware(t *testing.T) {
	var authed bool
	var reached int
	g := &Guard{Authenticated: func(*http.Request) bool { return authed }}
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
		fmt.Fprint(w, "page")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?redirect=/sessions", rec.Header().Get("Location"))
	assert.Equal(t, 0, reached)

	authed = true
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "page", rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.Equal(t, 1, reached)
}

func TestGuard_HandleAuthError(t *testing.T) {
	g := &Guard{}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"session expired", client.AsAPIError(client.ErrSessionExpired, "/auth/me"), true},
		{"bare session expired", client.ErrSessionExpired, true},
		{"forbidden", &client.APIError{Kind: client.KindAuthorization, StatusCode: http.StatusForbidden}, true},
		{"validation", &client.APIError{Kind: client.KindValidation, StatusCode: http.StatusBadRequest}, false},
		{"other", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/sessions?page=2", nil)
			got := g.HandleAuthError(rec, req, tt.err)
			require.Equal(t, tt.want, got)
			if tt.want {
				assert.Equal(t, http.StatusFound, rec.Code)
				assert.Equal(t, "/login?redirect=/sessions%3Fpage%3D2", rec.Header().Get("Location"))
			} else {
				assert.Empty(t, rec.Header().Get("Location"))
			}
		})
	}
}

func TestFromAuthStateAndStore(t *testing.T) {
	store := client.NewMemoryStore()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	assert.False(t, FromStore(store)(req))
	require.NoError(t, store.Save(req.Context(), &client.TokenPair{AccessToken: "a"}))
	assert.True(t, FromStore(store)(req))

	state := client.NewAuthState()
	assert.False(t, FromAuthState(state)(req))
}
