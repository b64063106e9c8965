//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"

	"github.com/panyam/authsession/client"
)

// TokenPairEntity is the Datastore entity for a stored token pair.
// Key name is the session name.
type TokenPairEntity struct {
	Key          *datastore.Key `datastore:"__key__"`
	AccessToken  string         `datastore:"access_token,noindex"`
	RefreshToken string         `datastore:"refresh_token,noindex"`
	ExpiresIn    int64          `datastore:"expires_in,noindex"`
	ExpiresAt    time.Time      `datastore:"expires_at"`
	UpdatedAt    time.Time      `datastore:"updated_at"`
}

func (e *TokenPairEntity) ToTokenPair() *client.TokenPair {
	return &client.TokenPair{
		AccessToken:  e.AccessToken,
		RefreshToken: e.RefreshToken,
		ExpiresIn:    e.ExpiresIn,
		ExpiresAt:    e.ExpiresAt,
	}
}

func TokenPairToEntity(p *client.TokenPair, key *datastore.Key) *TokenPairEntity {
	return &TokenPairEntity{
		Key:          key,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresIn:    p.ExpiresIn,
		ExpiresAt:    p.ExpiresAt,
		UpdatedAt:    time.Now(),
	}
}
