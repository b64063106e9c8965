//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"log/slog"

	"gorm.io/gorm"

	"github.com/panyam/authsession/client"
)

// DefaultName is the row used when no name function is set
const DefaultName = "default"

// AutoMigrate runs database migrations for the token table
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&TokenPairModel{})
}

// TokenStore implements client.TokenStore using GORM
type TokenStore struct {
	db     *gorm.DB
	nameFn func(ctx context.Context) string
	logger *slog.Logger
}

// Option configures a TokenStore
type Option func(*TokenStore)

// WithName stores a single fixed session under name
func WithName(name string) Option {
	return func(s *TokenStore) {
		s.nameFn = func(context.Context) string { return name }
	}
}

// WithNameFunc derives the row name from the context
func WithNameFunc(f func(ctx context.Context) string) Option {
	return func(s *TokenStore) {
		if f != nil {
			s.nameFn = f
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *TokenStore) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewTokenStore(db *gorm.DB, opts ...Option) *TokenStore {
	s := &TokenStore{
		db:     db,
		nameFn: func(context.Context) string { return DefaultName },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TokenStore) name(ctx context.Context) string {
	if n := s.nameFn(ctx); n != "" {
		return n
	}
	return DefaultName
}

// Save upserts the row, replacing access and refresh tokens together
func (s *TokenStore) Save(ctx context.Context, pair *client.TokenPair) error {
	if pair == nil {
		return s.Clear(ctx)
	}
	return s.db.WithContext(ctx).Save(TokenPairToModel(s.name(ctx), pair)).Error
}

func (s *TokenStore) Load(ctx context.Context) *client.TokenPair {
	var model TokenPairModel
	name := s.name(ctx)
	if err := s.db.WithContext(ctx).First(&model, "name = ?", name).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("failed to load token pair", "name", name, "error", err)
		}
		return nil
	}
	return model.ToTokenPair()
}

func (s *TokenStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Delete(&TokenPairModel{}, "name = ?", s.name(ctx)).Error
}

// ListServers returns the names of all stored sessions
func (s *TokenStore) ListServers(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&TokenPairModel{}).Order("name").Pluck("name", &names).Error
	return names, err
}

var (
	_ client.TokenStore   = (*TokenStore)(nil)
	_ client.ServerLister = (*TokenStore)(nil)
)
