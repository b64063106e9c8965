package grpc

import (
	"context"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.MetadataKeyAuthorization != DefaultMetadataKeyAuthorization {
		t.Errorf("expected %s, got %s", DefaultMetadataKeyAuthorization, config.MetadataKeyAuthorization)
	}
	if config.MetadataKeyRequestID != DefaultMetadataKeyRequestID {
		t.Errorf("expected %s, got %s", DefaultMetadataKeyRequestID, config.MetadataKeyRequestID)
	}
}

func TestConfigEnsureDefaults(t *testing.T) {
	config := &Config{}
	config.EnsureDefaults()
	if config.MetadataKeyAuthorization != DefaultMetadataKeyAuthorization {
		t.Errorf("expected default authorization key, got %s", config.MetadataKeyAuthorization)
	}

	config = &Config{MetadataKeyAuthorization: "x-token"}
	config.EnsureDefaults()
	if config.MetadataKeyAuthorization != "x-token" {
		t.Errorf("custom key was overwritten: %s", config.MetadataKeyAuthorization)
	}
}

func TestAccessTokenToOutgoingContext(t *testing.T) {
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer old", "x-trace", "t1")
	ctx = AccessTokenToOutgoingContext(ctx, "new")

	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("expected outgoing metadata")
	}
	if got := md.Get("authorization"); len(got) != 1 || got[0] != "Bearer new" {
		t.Errorf("authorization = %v, want [Bearer new]", got)
	}
	if got := md.Get("x-trace"); len(got) != 1 || got[0] != "t1" {
		t.Errorf("other metadata lost: %v", got)
	}
}

func TestAccessTokenFromIncomingContext(t *testing.T) {
	tests := []struct {
		name string
		md   metadata.MD
		want string
	}{
		{"bearer", metadata.Pairs("authorization", "Bearer abc"), "abc"},
		{"lowercase scheme", metadata.Pairs("authorization", "bearer abc"), "abc"},
		{"basic", metadata.Pairs("authorization", "Basic abc"), ""},
		{"missing", metadata.MD{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := metadata.NewIncomingContext(context.Background(), tt.md)
			if got := AccessTokenFromIncomingContext(ctx); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if got := AccessTokenFromIncomingContext(context.Background()); got != "" {
		t.Errorf("expected empty token without metadata, got %q", got)
	}
}
