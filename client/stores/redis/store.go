// Package redis keeps token pairs in Redis so that several processes (or
// several replicas of a backend-for-frontend) share one session.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/panyam/authsession/client"
)

// DefaultName is the session name used when no name function is set
const DefaultName = "default"

// Store is a client.TokenStore backed by one Redis string per session.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	nameFn func(ctx context.Context) string
	logger *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithTTL expires stored pairs after ttl, typically the refresh token lifetime.
// Zero keeps pairs until Clear.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithName stores a single fixed session under name
func WithName(name string) Option {
	return func(s *Store) {
		s.nameFn = func(context.Context) string { return name }
	}
}

// WithNameFunc derives the session name from the context, e.g. a browser
// session ID. Pair it with the same client.KeyFunc on the coordinator.
func WithNameFunc(f func(ctx context.Context) string) Option {
	return func(s *Store) {
		if f != nil {
			s.nameFn = f
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a store. Keys are "<prefix>:tokens:<name>".
func NewStore(rdb redis.UniversalClient, prefix string, opts ...Option) *Store {
	if prefix == "" {
		prefix = "authsession"
	}
	s := &Store{
		rdb:    rdb,
		prefix: prefix,
		nameFn: func(context.Context) string { return DefaultName },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(ctx context.Context) string {
	name := s.nameFn(ctx)
	if name == "" {
		name = DefaultName
	}
	return s.prefix + ":tokens:" + name
}

// Save replaces the pair with a single SET
func (s *Store) Save(ctx context.Context, pair *client.TokenPair) error {
	if pair == nil {
		return s.Clear(ctx)
	}
	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("failed to encode token pair: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(ctx), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token pair: %w", err)
	}
	return nil
}

// Load returns the pair, or nil when it is missing or Redis is unavailable
func (s *Store) Load(ctx context.Context) *client.TokenPair {
	key := s.key(ctx)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("failed to load token pair", "key", key, "error", err)
		}
		return nil
	}
	var pair client.TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		s.logger.Warn("discarding corrupt token pair", "key", key, "error", err)
		return nil
	}
	return &pair
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key(ctx)).Err(); err != nil {
		return fmt.Errorf("failed to clear token pair: %w", err)
	}
	return nil
}

// ListServers returns the names of all stored sessions
func (s *Store) ListServers(ctx context.Context) ([]string, error) {
	match := s.prefix + ":tokens:*"
	strip := s.prefix + ":tokens:"
	var names []string
	iter := s.rdb.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), strip))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return names, nil
}

var (
	_ client.TokenStore   = (*Store)(nil)
	_ client.ServerLister = (*Store)(nil)
)
