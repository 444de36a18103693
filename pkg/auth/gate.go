// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package auth guards the proxy with an optional static bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
)

const (
	// HeaderAuthorization carries the caller's bearer token.
	HeaderAuthorization = "Authorization"

	unauthorizedBody = `{"error": "Unauthorized: Invalid or missing Bearer token"}`
)

// Gate admits inbound requests presenting the configured bearer token.
type Gate struct {
	expected []byte
}

// NewGate returns a Gate for token. An empty token disables the check and
// every request is admitted.
func NewGate(token string) *Gate {
	g := &Gate{}
	if token != "" {
		g.expected = []byte("Bearer " + token)
	}
	return g
}

// Enabled reports whether a static token is configured.
func (g *Gate) Enabled() bool {
	return len(g.expected) > 0
}

// Authenticate reports whether the Authorization header equals exactly
// "Bearer <token>". The header name is matched case-insensitively; the value
// is compared byte for byte.
func (g *Gate) Authenticate(h http.Header) bool {
	if !g.Enabled() {
		return true
	}
	values := h.Values(HeaderAuthorization)
	if len(values) != 1 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(values[0]), g.expected) == 1
}

// Reject writes the 401 response for a failed Authenticate.
func Reject(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(unauthorizedBody))
}
