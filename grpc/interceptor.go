package grpc

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/panyam/authsession/client"
)

// InterceptorConfig configures the client auth interceptors.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// Coordinator refreshes the session shared with the HTTP client.
	Coordinator *client.Coordinator

	// ExemptMethods never carry a token and never trigger a refresh.
	// Keys should be full method names like "/package.Service/Method".
	ExemptMethods map[string]bool

	// ReturnPath maps a failed call to the page the user returns to after
	// logging in. Defaults to no return path.
	ReturnPath func(ctx context.Context, method string) string

	Logger *slog.Logger
}

// NewInterceptorConfig creates a config for coordinator with the specified exempt methods.
func NewInterceptorConfig(coordinator *client.Coordinator, exemptMethods ...string) *InterceptorConfig {
	config := &InterceptorConfig{
		Config:        DefaultConfig(),
		Coordinator:   coordinator,
		ExemptMethods: make(map[string]bool),
	}
	for _, method := range exemptMethods {
		config.ExemptMethods[method] = true
	}
	return config
}

func (c *InterceptorConfig) ensureDefaults() {
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	if c.ExemptMethods == nil {
		c.ExemptMethods = make(map[string]bool)
	}
	if c.ReturnPath == nil {
		c.ReturnPath = func(context.Context, string) string { return "" }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// withCredential attaches the stored access token and a request ID. It
// returns the token it attached.
func (c *InterceptorConfig) withCredential(ctx context.Context) (context.Context, string) {
	ctx = setOutgoing(ctx, c.MetadataKeyRequestID, uuid.NewString())
	token, ok := client.AccessToken(ctx, c.Coordinator.Store())
	if !ok {
		return ctx, ""
	}
	return setOutgoing(ctx, c.MetadataKeyAuthorization, "Bearer "+token), token
}

// afterFailure decides what to do after a failed attempt. It returns retry=true
// when the call should be sent once more with a fresh credential.
func (c *InterceptorConfig) afterFailure(ctx context.Context, method, sent string, err error) (retry bool, out error) {
	switch status.Code(err) {
	case codes.PermissionDenied:
		c.Coordinator.Forbidden(ctx, c.ReturnPath(ctx, method))
		return false, err
	case codes.Unauthenticated:
		// Another call already refreshed while this one was in flight
		if current, ok := client.AccessToken(ctx, c.Coordinator.Store()); ok && sent != "" && current != sent {
			return true, nil
		}
		if _, rerr := c.Coordinator.Refresh(ctx, c.ReturnPath(ctx, method)); rerr != nil {
			c.Logger.Debug("grpc refresh failed", "method", method, "error", rerr)
			return false, rerr
		}
		return true, nil
	}
	return false, err
}

// UnaryClientInterceptor returns a gRPC unary client interceptor that sends
// the access token. On Unauthenticated it refreshes through the coordinator
// and retries the call once. On PermissionDenied it sends the user to the
// login page without clearing the session.
//
// When the refresh fails the refresh error is returned (client.ErrSessionExpired
// or the refresh endpoint's *client.APIError).
func UnaryClientInterceptor(config *InterceptorConfig) grpc.UnaryClientInterceptor {
	config.ensureDefaults()

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if config.ExemptMethods[method] {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		callCtx, sent := config.withCredential(ctx)
		err := invoker(callCtx, method, req, reply, cc, opts...)
		if err == nil {
			return nil
		}
		retry, err := config.afterFailure(ctx, method, sent, err)
		if !retry {
			return err
		}
		callCtx, _ = config.withCredential(ctx)
		err = invoker(callCtx, method, req, reply, cc, opts...)
		if status.Code(err) == codes.PermissionDenied {
			config.Coordinator.Forbidden(ctx, config.ReturnPath(ctx, method))
		}
		return err
	}
}

// StreamClientInterceptor returns a gRPC stream client interceptor. Only a
// failure while opening the stream is recovered; errors surfacing later on
// RecvMsg are the caller's to handle.
func StreamClientInterceptor(config *InterceptorConfig) grpc.StreamClientInterceptor {
	config.ensureDefaults()

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if config.ExemptMethods[method] {
			return streamer(ctx, desc, cc, method, opts...)
		}

		callCtx, sent := config.withCredential(ctx)
		stream, err := streamer(callCtx, desc, cc, method, opts...)
		if err == nil {
			return stream, nil
		}
		retry, err := config.afterFailure(ctx, method, sent, err)
		if !retry {
			return nil, err
		}
		callCtx, _ = config.withCredential(ctx)
		return streamer(callCtx, desc, cc, method, opts...)
	}
}
