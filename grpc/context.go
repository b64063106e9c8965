// Package grpc applies the session's access token and refresh coordinator to
// outgoing gRPC calls.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Default metadata keys.
// These can be customized via Config if needed.
const (
	// DefaultMetadataKeyAuthorization carries "Bearer <access token>"
	DefaultMetadataKeyAuthorization = "authorization"

	// DefaultMetadataKeyRequestID carries a per-call correlation ID
	DefaultMetadataKeyRequestID = "x-request-id"
)

// Config holds the metadata key configuration.
type Config struct {
	// MetadataKeyAuthorization is the gRPC metadata key for the access token.
	// Defaults to "authorization".
	MetadataKeyAuthorization string

	// MetadataKeyRequestID is the gRPC metadata key for the request ID.
	// Defaults to "x-request-id".
	MetadataKeyRequestID string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeyAuthorization: DefaultMetadataKeyAuthorization,
		MetadataKeyRequestID:     DefaultMetadataKeyRequestID,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
	if c.MetadataKeyRequestID == "" {
		c.MetadataKeyRequestID = DefaultMetadataKeyRequestID
	}
}

// AccessTokenToOutgoingContext sets the bearer token on outgoing metadata,
// replacing any token already there.
func AccessTokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return setOutgoing(ctx, DefaultMetadataKeyAuthorization, "Bearer "+token)
}

// AccessTokenFromIncomingContext extracts the bearer token a server received.
// Returns empty string if there is none.
func AccessTokenFromIncomingContext(ctx context.Context) string {
	return AccessTokenFromIncomingContextWithConfig(ctx, nil)
}

// AccessTokenFromIncomingContextWithConfig extracts the bearer token using the specified config.
func AccessTokenFromIncomingContextWithConfig(ctx context.Context, config *Config) string {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(config.MetadataKeyAuthorization) {
		parts := strings.SplitN(v, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// setOutgoing replaces key on a copy of the outgoing metadata
func setOutgoing(ctx context.Context, key, value string) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
	} else {
		md = metadata.MD{}
	}
	md.Set(key, value)
	return metadata.NewOutgoingContext(ctx, md)
}
