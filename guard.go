package authsession

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/panyam/authsession/client"
)

// DefaultPublicOnly are the routes only signed-out users may visit
var DefaultPublicOnly = []string{
	"/login",
	"/register",
	"/verify-email",
	"/reset-password",
	"/forgot-password",
}

// Decision is the outcome of a guard check. Location is set when Allow is false.
type Decision struct {
	Allow    bool
	Location string
}

// Guard decides which page routes a visitor may reach based on the
// authentication state.
//
// Public-only routes (login, register, ...) bounce signed-in users home.
// Open routes (static assets, health checks) are always allowed. Every other
// route is private and sends signed-out users to the login page with the
// original path as the return target.
type Guard struct {
	PublicOnly    []string
	Open          []string
	LoginPath     string
	HomePath      string
	RedirectParam string

	// Authenticated reports the visitor's state for a request
	Authenticated func(r *http.Request) bool

	Logger *slog.Logger
}

// EnsureReasonableDefaults fills in unset fields
func (g *Guard) EnsureReasonableDefaults() *Guard {
	if g.PublicOnly == nil {
		g.PublicOnly = DefaultPublicOnly
	}
	if g.LoginPath == "" {
		g.LoginPath = "/login"
	}
	if g.HomePath == "" {
		g.HomePath = "/"
	}
	if g.RedirectParam == "" {
		g.RedirectParam = "redirect"
	}
	if g.Logger == nil {
		g.Logger = slog.Default()
	}
	return g
}

// Decide routes one navigation
func (g *Guard) Decide(path string, authenticated bool) Decision {
	g.EnsureReasonableDefaults()
	if path == "" {
		path = "/"
	}
	switch {
	case matchesAny(path, g.Open):
		return Decision{Allow: true}
	case matchesAny(path, g.PublicOnly):
		if authenticated {
			return Decision{Location: g.HomePath}
		}
		return Decision{Allow: true}
	case !authenticated && !matchesRoute(path, g.LoginPath):
		return Decision{Location: client.LoginRedirect(g.LoginPath, g.RedirectParam, path)}
	}
	return Decision{Allow: true}
}

// Middleware runs Decide before next, so a rejected request never reaches
// the protected handler.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	g.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authenticated := g.Authenticated != nil && g.Authenticated(r)
		d := g.Decide(r.URL.Path, authenticated)
		if !d.Allow {
			g.Logger.Debug("guard redirect", "path", r.URL.Path, "location", d.Location, "authenticated", authenticated)
			http.Redirect(w, r, d.Location, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleAuthError redirects to the login page when err means the session is
// gone or the user lacks access. It returns false, writing nothing, for any
// other error.
func (g *Guard) HandleAuthError(w http.ResponseWriter, r *http.Request, err error) bool {
	g.EnsureReasonableDefaults()
	if !IsAuthError(err) {
		return false
	}
	g.Logger.Info("redirecting to login", "path", r.URL.Path, "error", err)
	http.Redirect(w, r, client.LoginRedirect(g.LoginPath, g.RedirectParam, r.URL.RequestURI()), http.StatusFound)
	return true
}

// IsAuthError reports whether err ends the visitor's access
func IsAuthError(err error) bool {
	return errors.Is(err, client.ErrSessionExpired) ||
		errors.Is(err, client.ErrNoRefreshToken) ||
		errors.Is(err, client.ErrUnauthenticated) ||
		errors.Is(err, client.ErrForbidden)
}

// FromAuthState adapts the process-wide signal for Guard.Authenticated
func FromAuthState(state *client.AuthState) func(*http.Request) bool {
	return func(*http.Request) bool {
		return state.Authenticated()
	}
}

// FromStore treats any stored access token as signed in
func FromStore(store client.TokenStore) func(*http.Request) bool {
	return func(r *http.Request) bool {
		_, ok := client.AccessToken(r.Context(), store)
		return ok
	}
}

func matchesAny(path string, routes []string) bool {
	for _, route := range routes {
		if matchesRoute(path, route) {
			return true
		}
	}
	return false
}

// matchesRoute matches route and anything below it on a segment boundary
func matchesRoute(path, route string) bool {
	route = strings.TrimSuffix(route, "/")
	if route == "" {
		return path == "/"
	}
	return path == route || strings.HasPrefix(path, route+"/")
}
