// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package token

import "fmt"

// Kind classifies why an upstream token could not be obtained.
type Kind int

const (
	// KindExchangeFailed covers network errors, timeouts and unusable
	// responses from the token endpoint.
	KindExchangeFailed Kind = iota
	// KindUpstreamRejected means the token endpoint answered with a non-2xx
	// status. It is never retried automatically.
	KindUpstreamRejected
)

func (k Kind) String() string {
	switch k {
	case KindUpstreamRejected:
		return "upstream_rejected"
	default:
		return "exchange_failed"
	}
}

// Error is returned by Manager.Token for every failure.
type Error struct {
	Kind   Kind   // Kind selects the caller-facing failure category.
	Status int    // Status is the token endpoint status for KindUpstreamRejected.
	Body   []byte // Body is the token endpoint response, kept for diagnostics only.
	Err    error  // Err retains the underlying cause.
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Kind == KindUpstreamRejected {
		return fmt.Sprintf("token endpoint rejected credentials: status %d", e.Status)
	}
	return fmt.Sprintf("token exchange failed: %v", e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *Error) Unwrap() error {
	return e.Err
}
