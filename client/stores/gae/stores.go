//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"log/slog"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	"github.com/panyam/authsession/client"
)

// KindSessionTokens is the Datastore kind of stored pairs
const KindSessionTokens = "SessionTokens"

// DefaultName is the entity used when no name function is set
const DefaultName = "default"

// TokenStore implements client.TokenStore using Google Cloud Datastore
type TokenStore struct {
	client    *datastore.Client
	namespace string
	nameFn    func(ctx context.Context) string
	logger    *slog.Logger
}

// Option configures a TokenStore
type Option func(*TokenStore)

// WithName stores a single fixed session under name
func WithName(name string) Option {
	return func(s *TokenStore) {
		s.nameFn = func(context.Context) string { return name }
	}
}

// WithNameFunc derives the entity name from the context
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

// NewTokenStore creates a new Datastore-backed TokenStore
func NewTokenStore(client *datastore.Client, namespace string, opts ...Option) *TokenStore {
	s := &TokenStore{
		client:    client,
		namespace: namespace,
		nameFn:    func(context.Context) string { return DefaultName },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TokenStore) namespacedKey(ctx context.Context) *datastore.Key {
	name := s.nameFn(ctx)
	if name == "" {
		name = DefaultName
	}
	key := datastore.NameKey(KindSessionTokens, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *TokenStore) Save(ctx context.Context, pair *client.TokenPair) error {
	if pair == nil {
		return s.Clear(ctx)
	}
	key := s.namespacedKey(ctx)
	_, err := s.client.Put(ctx, key, TokenPairToEntity(pair, key))
	return err
}

func (s *TokenStore) Load(ctx context.Context) *client.TokenPair {
	key := s.namespacedKey(ctx)
	var entity TokenPairEntity
	if err := s.client.Get(ctx, key, &entity); err != nil {
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			s.logger.Warn("failed to load token pair", "key", key.Name, "error", err)
		}
		return nil
	}
	return entity.ToTokenPair()
}

func (s *TokenStore) Clear(ctx context.Context) error {
	return s.client.Delete(ctx, s.namespacedKey(ctx))
}

// ListServers returns the names of all stored sessions
func (s *TokenStore) ListServers(ctx context.Context) ([]string, error) {
	query := datastore.NewQuery(KindSessionTokens).KeysOnly()
	if s.namespace != "" {
		query = query.Namespace(s.namespace)
	}

	var names []string
	it := s.client.Run(ctx, query)
	for {
		key, err := it.Next(nil)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, key.Name)
	}
	return names, nil
}

var (
	_ client.TokenStore   = (*TokenStore)(nil)
	_ client.ServerLister = (*TokenStore)(nil)
)
