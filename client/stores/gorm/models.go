//go:build !wasm
// +build !wasm

package gorm

import (
	"time"

	"github.com/panyam/authsession/client"
)

// TokenPairModel is the GORM model for a stored token pair
type TokenPairModel struct {
	Name         string `gorm:"primaryKey;size:255"`
	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`
	ExpiresIn    int64
	ExpiresAt    *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (TokenPairModel) TableName() string {
	return "authsession_tokens"
}

func (m *TokenPairModel) ToTokenPair() *client.TokenPair {
	pair := &client.TokenPair{
		AccessToken:  m.AccessToken,
		RefreshToken: m.RefreshToken,
		ExpiresIn:    m.ExpiresIn,
	}
	if m.ExpiresAt != nil {
		pair.ExpiresAt = *m.ExpiresAt
	}
	return pair
}

func TokenPairToModel(name string, p *client.TokenPair) *TokenPairModel {
	m := &TokenPairModel{
		Name:         name,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresIn:    p.ExpiresIn,
	}
	if !p.ExpiresAt.IsZero() {
		exp := p.ExpiresAt
		m.ExpiresAt = &exp
	}
	return m
}
