// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package token acquires and caches the upstream access token obtained through
// the OAuth2 client-credentials grant.
package token

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/go-core-stack/oauth2-cc-proxy/pkg/config"
	"github.com/go-core-stack/oauth2-cc-proxy/pkg/metrics"
)

const (
	// SafetyMargin is how long before expiry a cached token stops being served.
	SafetyMargin = 10 * time.Second
	// DefaultLifetime applies when the token endpoint omits expires_in (or
	// sends null).
	DefaultLifetime = 3600 * time.Second

	flightKey = "token"
)

// Manager owns the single cached upstream token. It is safe for concurrent
// use; concurrent refreshes are coalesced into one exchange.
type Manager struct {
	// creds drives the client-credentials exchange.
	creds clientcredentials.Config
	// client performs the exchange; shared with the forwarding pipeline.
	client *http.Client
	// timeout bounds a single exchange.
	timeout time.Duration
	metrics *metrics.Collector
	logger  zerolog.Logger
	now     func() time.Time
	group   singleflight.Group

	mu        sync.RWMutex
	value     string
	expiresAt time.Time
}

// NewManager builds a Manager from the configured credentials. client may be
// nil, in which case http.DefaultClient is used. The client is copied; only
// the copy validates token responses.
func NewManager(cfg config.Config, client *http.Client, collector *metrics.Collector) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	exchange := *client
	exchange.Transport = &jsonResponse{next: base}

	return &Manager{
		creds: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL.String(),
			Scopes:       cfg.Scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client:  &exchange,
		timeout: cfg.TokenTimeout,
		metrics: collector,
		logger:  log.With().Str("component", "token").Logger(),
		now:     time.Now,
	}
}

// Token returns a token valid for at least SafetyMargin, exchanging
// credentials when the cache is empty or about to expire. Every failure is a
// *Error.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.cached(); ok {
		m.metrics.RecordCacheHit()
		return tok, nil
	}

	// The exchange outlives any single waiter so one disconnecting caller
	// does not fail everyone sharing the flight.
	ch := m.group.DoChan(flightKey, func() (interface{}, error) {
		if tok, ok := m.cached(); ok {
			return tok, nil
		}
		return m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", &Error{Kind: KindExchangeFailed, Err: ctx.Err()}
	}
}

// Invalidate drops the cached token if it is still tok, so the next call
// performs an exchange. A token that was already replaced is left alone.
func (m *Manager) Invalidate(tok string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok == "" || m.value != tok {
		return
	}
	m.value = ""
	m.expiresAt = time.Time{}
	m.logger.Info().Msg("cached token invalidated")
}

func (m *Manager) cached() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.value != "" && m.expiresAt.After(m.now().Add(SafetyMargin)) {
		return m.value, true
	}
	return "", false
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)

	m.logger.Info().Str("token_url", m.creds.TokenURL).Msg("fetching new access token")

	tok, err := m.creds.Token(ctx)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			(retrieveErr.Response.StatusCode < 200 || retrieveErr.Response.StatusCode > 299) {
			m.metrics.RecordExchange(metrics.ExchangeRejected)
			m.logger.Warn().
				Int("status", retrieveErr.Response.StatusCode).
				Bytes("upstream_body", retrieveErr.Body).
				Msg("token endpoint rejected credentials")
			return "", &Error{
				Kind:   KindUpstreamRejected,
				Status: retrieveErr.Response.StatusCode,
				Body:   retrieveErr.Body,
				Err:    err,
			}
		}
		m.metrics.RecordExchange(metrics.ExchangeFailed)
		m.logger.Error().Err(err).Msg("token exchange failed")
		return "", &Error{Kind: KindExchangeFailed, Err: err}
	}

	lifetime := expiresIn(tok)
	expiresAt := m.now().Add(lifetime)

	m.mu.Lock()
	m.value = tok.AccessToken
	m.expiresAt = expiresAt
	m.mu.Unlock()

	m.metrics.RecordExchange(metrics.ExchangeSuccess)
	m.logger.Info().Time("expires_at", expiresAt).Msg("token refreshed")

	return tok.AccessToken, nil
}

// expiresIn reads the lifetime the endpoint reported. x/oauth2 folds a zero
// or missing expires_in into a zero Expiry, so the raw field decides: absent
// means DefaultLifetime, anything else is taken as is, and a non-positive
// value leaves the token already expired for the next caller.
func expiresIn(tok *oauth2.Token) time.Duration {
	secs, ok := tok.Extra("expires_in").(float64)
	if !ok {
		return DefaultLifetime
	}
	secs = math.Max(math.Min(secs, math.MaxInt32), -math.MaxInt32)
	return time.Duration(secs * float64(time.Second))
}
