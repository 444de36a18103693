// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGateAuthenticate(t *testing.T) {
	gate := NewGate("test-incoming-token")

	tests := []struct {
		name   string
		header http.Header
		want   bool
	}{
		{name: "correct token", header: http.Header{"Authorization": {"Bearer test-incoming-token"}}, want: true},
		{name: "lowercase header name", header: func() http.Header {
			h := http.Header{}
			h.Set("authorization", "Bearer test-incoming-token")
			return h
		}(), want: true},
		{name: "wrong token", header: http.Header{"Authorization": {"Bearer wrong"}}, want: false},
		{name: "missing header", header: http.Header{}, want: false},
		{name: "scheme case differs", header: http.Header{"Authorization": {"bearer test-incoming-token"}}, want: false},
		{name: "token without scheme", header: http.Header{"Authorization": {"test-incoming-token"}}, want: false},
		{name: "trailing space", header: http.Header{"Authorization": {"Bearer test-incoming-token "}}, want: false},
		{name: "duplicate headers", header: http.Header{"Authorization": {"Bearer test-incoming-token", "Bearer other"}}, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := gate.Authenticate(tc.header); got != tc.want {
				t.Errorf("Authenticate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGateOpenMode(t *testing.T) {
	gate := NewGate("")

	if gate.Enabled() {
		t.Fatalf("expected gate to be disabled without a token")
	}
	if !gate.Authenticate(http.Header{}) {
		t.Fatalf("open gate must admit requests without Authorization")
	}
	if !gate.Authenticate(http.Header{"Authorization": {"Bearer anything"}}) {
		t.Fatalf("open gate must admit any Authorization")
	}
}

func TestReject(t *testing.T) {
	rec := httptest.NewRecorder()

	Reject(rec)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if body := rec.Body.String(); body != `{"error": "Unauthorized: Invalid or missing Bearer token"}` {
		t.Fatalf("unexpected body %q", body)
	}
}
