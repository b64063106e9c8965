package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// EndpointRefresher calls the API's refresh endpoint.
// It must be given a transport that does not go through the refresh logic,
// otherwise a 401 from the refresh endpoint would recurse.
type EndpointRefresher struct {
	URL       string
	Transport http.RoundTripper
	Mode      CredentialMode
	Jar       *SessionJar
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Refresh posts the refresh token (bearer mode) or an empty body with the
// session cookies (cookie mode) and returns the new pair
func (r *EndpointRefresher) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	body := refreshRequest{}
	if r.Mode == CredentialBearer {
		body.RefreshToken = refreshToken
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	transport := r.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	httpClient := &http.Client{Transport: transport}
	if r.Mode == CredentialCookie && r.Jar != nil {
		httpClient.Jar = r.Jar
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp, req.URL.Path)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var result AuthResult
	if err := decodeSuccess(data, &result); err != nil {
		return nil, err
	}

	if result.AccessToken == "" && r.Mode == CredentialCookie && r.Jar != nil {
		if pair := r.Jar.Load(ctx); pair != nil {
			return pair, nil
		}
	}
	if result.AccessToken == "" && r.Mode == CredentialBearer {
		return nil, fmt.Errorf("refresh response carried no access token")
	}
	return NewTokenPair(result.AccessToken, result.RefreshToken, result.ExpiresIn), nil
}

// OAuth2Refresher refreshes through an OAuth2 token endpoint using the
// refresh_token grant
type OAuth2Refresher struct {
	Config *oauth2.Config

	// HTTPClient is used for the token request. It must not be an AuthClient's client.
	HTTPClient *http.Client
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}
	// An expired token forces the token source to hit the token endpoint
	src := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth2 refresh failed: %w", err)
	}
	return TokenPairFromOAuth2(token), nil
}

// TokenSource exposes a coordinator as an oauth2.TokenSource so that code
// built on golang.org/x/oauth2 shares the same single-flight refresh
func (c *Coordinator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &coordinatorTokenSource{ctx: ctx, coordinator: c}
}

type coordinatorTokenSource struct {
	ctx         context.Context
	coordinator *Coordinator
}

func (s *coordinatorTokenSource) Token() (*oauth2.Token, error) {
	pair := s.coordinator.Store().Load(s.ctx)
	if pair != nil && pair.AccessToken != "" && !pair.IsExpired() {
		return pair.OAuth2Token(), nil
	}
	pair, err := s.coordinator.Refresh(s.ctx, ReturnPathFromContext(s.ctx))
	if err != nil {
		return nil, err
	}
	return pair.OAuth2Token(), nil
}
