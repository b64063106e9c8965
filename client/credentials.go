// Package client keeps an authenticated session alive against a REST API that
// issues short-lived access tokens and longer-lived refresh tokens.
// It includes token storage, single-flight token refresh, and HTTP client helpers.
package client

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// TokenPair holds the credentials issued by the API for one session
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresIn    int64     `json:"expiresIn,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// NewTokenPair builds a pair and fills in ExpiresAt.
// When expiresIn is zero the access token's exp claim is used if it is a JWT.
func NewTokenPair(accessToken, refreshToken string, expiresIn int64) *TokenPair {
	pair := &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
	}
	if expiresIn > 0 {
		pair.ExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	} else if exp, ok := AccessTokenExpiry(accessToken); ok {
		pair.ExpiresAt = exp
	}
	return pair
}

// AccessTokenExpiry reads the exp claim of a JWT access token without verifying it.
// The client is never the party that validates tokens; it only uses exp to
// schedule refreshes.
func AccessTokenExpiry(accessToken string) (time.Time, bool) {
	if accessToken == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// IsExpired returns true if the access token has a known expiry that has passed
func (p *TokenPair) IsExpired() bool {
	return !p.ExpiresAt.IsZero() && time.Now().After(p.ExpiresAt)
}

// IsExpiringSoon returns true if the token has a known expiry within the given duration
func (p *TokenPair) IsExpiringSoon(within time.Duration) bool {
	return !p.ExpiresAt.IsZero() && time.Now().Add(within).After(p.ExpiresAt)
}

// HasRefreshToken returns true if a refresh token is available
func (p *TokenPair) HasRefreshToken() bool {
	return p.RefreshToken != ""
}

// Clone returns a copy that callers may keep without sharing state with a store
func (p *TokenPair) Clone() *TokenPair {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}

// OAuth2Token converts the pair for use with golang.org/x/oauth2
func (p *TokenPair) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  p.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: p.RefreshToken,
		Expiry:       p.ExpiresAt,
	}
}

// TokenPairFromOAuth2 converts an oauth2 token into a pair
func TokenPairFromOAuth2(token *oauth2.Token) *TokenPair {
	pair := &TokenPair{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if !token.Expiry.IsZero() {
		pair.ExpiresIn = int64(time.Until(token.Expiry).Seconds())
	} else if exp, ok := AccessTokenExpiry(token.AccessToken); ok {
		pair.ExpiresAt = exp
	}
	return pair
}

// TokenStore persists the single live token pair of a session.
type TokenStore interface {
	// Save replaces the current pair. Readers never observe a half-written pair.
	Save(ctx context.Context, pair *TokenPair) error

	// Load returns a copy of the current pair, or nil if there is none.
	// Backend failures are logged and reported as absent.
	Load(ctx context.Context) *TokenPair

	// Clear removes the pair. Load returns nil until the next Save.
	Clear(ctx context.Context) error
}

// ServerLister is implemented by stores that hold pairs for several API servers
type ServerLister interface {
	ListServers(ctx context.Context) ([]string, error)
}

// AccessToken returns the current access token of the store
func AccessToken(ctx context.Context, store TokenStore) (string, bool) {
	pair := store.Load(ctx)
	if pair == nil || pair.AccessToken == "" {
		return "", false
	}
	return pair.AccessToken, true
}

// RefreshToken returns the current refresh token of the store
func RefreshToken(ctx context.Context, store TokenStore) (string, bool) {
	pair := store.Load(ctx)
	if pair == nil || pair.RefreshToken == "" {
		return "", false
	}
	return pair.RefreshToken, true
}
