// Package transport defines how detection vendors are called. A Caller
// sends image bytes to one vendor and hands back the decoded response as
// untyped data for pkg/normalize.
package transport

import (
	"context"
	"fmt"
	"net/http"
)

// Caller sends one image to a detection vendor
type Caller interface {
	Call(ctx context.Context, image []byte, threshold float64) (any, error)
}

// CallerFunc adapts a function to Caller
type CallerFunc func(ctx context.Context, image []byte, threshold float64) (any, error)

// Call implements Caller
func (f CallerFunc) Call(ctx context.Context, image []byte, threshold float64) (any, error) {
	return f(ctx, image, threshold)
}

// gRPC status code names used for classification
const (
	CodeUnauthenticated   = "Unauthenticated"
	CodePermissionDenied  = "PermissionDenied"
	CodeResourceExhausted = "ResourceExhausted"
)

// Error is a failed vendor call. StatusCode is set for HTTP vendors and
// Code carries the vendor or gRPC error code when one is known.
type Error struct {
	Service    string
	StatusCode int
	Code       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("%s: HTTP %d (%s): %v", e.Service, e.StatusCode, e.Code, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: HTTP %d: %v", e.Service, e.StatusCode, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: %s: %v", e.Service, e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Service, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsAuth reports a rejected or missing credential
func (e *Error) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusForbidden ||
		e.Code == CodeUnauthenticated ||
		e.Code == CodePermissionDenied
}

// IsQuota reports rate limiting or an exhausted quota
func (e *Error) IsQuota() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Code == CodeResourceExhausted
}
