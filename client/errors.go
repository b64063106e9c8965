package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies every failure the client surfaces
type ErrorKind int

const (
	KindServer ErrorKind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	default:
		return "server"
	}
}

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("access forbidden")
	ErrNotFound        = errors.New("not found")
	ErrServer          = errors.New("server error")
	ErrTransport       = errors.New("transport error")

	// ErrSessionExpired is returned to every request that waited on a refresh that failed
	ErrSessionExpired = errors.New("session expired")

	// ErrNoRefreshToken means a refresh was needed but the store holds no refresh token
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// FieldError is one entry of the errors[] array of a validation failure
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// APIError is the single error type returned by AuthClient operations.
// UI code switches on Kind (or errors.Is with the Err* sentinels) and never on
// transport-specific error types.
type APIError struct {
	Kind             ErrorKind
	StatusCode       int
	Code             string // the envelope's "error" field, e.g. "Unauthorized"
	Message          string
	Path             string
	ValidationErrors []FieldError
	Err              error
}

func (e *APIError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (HTTP %d)", e.StatusCode)
	}
	if e.Path != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Path)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	} else if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels so errors.Is(err, ErrForbidden) works
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrUnauthenticated:
		return e.Kind == KindAuthentication
	case ErrForbidden:
		return e.Kind == KindAuthorization
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrServer:
		return e.Kind == KindServer
	case ErrTransport:
		return e.Kind == KindTransport
	}
	return false
}

// FieldErrors groups validation messages by field for form layers
func (e *APIError) FieldErrors() map[string][]string {
	out := make(map[string][]string, len(e.ValidationErrors))
	for _, fe := range e.ValidationErrors {
		out[fe.Field] = append(out[fe.Field], fe.Message)
	}
	return out
}

// KindForStatus maps an HTTP status to an error kind
func KindForStatus(status int, hasFieldErrors bool) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusBadRequest && hasFieldErrors:
		return KindValidation
	default:
		return KindServer
	}
}

// AsAPIError normalizes any error into an *APIError.
// A failed refresh always surfaces as an authentication error for path, even
// when the refresh endpoint itself answered with an *APIError.
func AsAPIError(err error, path string) *APIError {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNoRefreshToken) {
		return &APIError{
			Kind:       KindAuthentication,
			StatusCode: http.StatusUnauthorized,
			Message:    ErrSessionExpired.Error(),
			Path:       path,
			Err:        err,
		}
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Path == "" {
			apiErr.Path = path
		}
		return apiErr
	}
	msg := "network request failed"
	if errors.Is(err, context.Canceled) {
		msg = "request cancelled"
	} else if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	return &APIError{
		Kind:    KindTransport,
		Message: msg,
		Path:    path,
		Err:     err,
	}
}
