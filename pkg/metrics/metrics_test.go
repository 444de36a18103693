// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	c := New()

	c.RecordExchange(ExchangeSuccess)
	c.RecordExchange(ExchangeSuccess)
	c.RecordExchange(ExchangeRejected)
	c.RecordCacheHit()
	c.RecordRequest(http.StatusOK)
	c.RecordRequest(http.StatusBadGateway)
	c.ObserveUpstream(20 * time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(c.exchanges.WithLabelValues(ExchangeSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(c.exchanges.WithLabelValues(ExchangeRejected)))
	require.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits))
	require.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("502")))
	require.Equal(t, 1, testutil.CollectAndCount(c.upstreamLatency))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector

	require.NotPanics(t, func() {
		c.RecordExchange(ExchangeFailed)
		c.RecordCacheHit()
		c.RecordRequest(http.StatusOK)
		c.ObserveUpstream(time.Second)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.RecordCacheHit()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "oauth2_cc_proxy_token_cache_hits_total 1")
}
