// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/oauth2-cc-proxy/pkg/auth"
	"github.com/go-core-stack/oauth2-cc-proxy/pkg/config"
	"github.com/go-core-stack/oauth2-cc-proxy/pkg/metrics"
	"github.com/go-core-stack/oauth2-cc-proxy/pkg/token"
)

const (
	// HeaderRequestID correlates log lines for one inbound request.
	HeaderRequestID = "X-Request-ID"

	streamBufferSize = 32 * 1024
)

// requestHopHeaders lists the lowercase names dropped from inbound requests.
// Authorization is replaced by the upstream token and Host/Content-Length are
// recomputed for the outbound connection.
var requestHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"proxy-connection":    {},
	"te":                  {},
	"trailer":             {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
	"content-length":      {},
	"authorization":       {},
}

// responseHopHeaders are stripped from upstream responses: the local server
// owns framing and connection management towards the caller.
var responseHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var allowedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodPatch:   {},
	http.MethodOptions: {},
	http.MethodHead:    {},
}

// TokenSource yields the bearer token injected into upstream requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Invalidator is implemented by token sources that can drop a token the
// upstream refused, so the next request exchanges credentials again.
type Invalidator interface {
	Invalidate(token string)
}

// Request is the inbound request as seen by the forwarding pipeline.
type Request struct {
	Method string
	// Path is the escaped inbound path; a leading slash is optional.
	Path          string
	RawQuery      string
	Header        http.Header
	Body          io.Reader
	ContentLength int64
}

// Proxy authenticates callers and forwards their requests to the upstream
// with the cached client-credentials token.
type Proxy struct {
	// client performs upstream requests; it never follows redirects.
	client *http.Client
	// tokens supplies the upstream bearer token.
	tokens TokenSource
	// gate enforces the optional inbound bearer token.
	gate    *auth.Gate
	metrics *metrics.Collector
	logger  zerolog.Logger
	// baseURL is the upstream root with any trailing slash removed.
	baseURL string
}

// NewTransport builds the outbound transport shared by the token exchange and
// the forwarding pipeline. Compression is left to the endpoints so bodies pass
// through byte for byte, and only the wait for response headers is bounded so
// long-running bodies can stream.
func NewTransport(cfg config.Config) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.UpstreamTimeout,
		DisableCompression:    true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, // nolint:gosec -- opt-in for development scenarios
		},
	}
}

// New constructs a Proxy forwarding to cfg.Upstream through transport. A nil
// transport falls back to NewTransport(cfg).
func New(cfg config.Config, transport http.RoundTripper, tokens TokenSource, collector *metrics.Collector) (*Proxy, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("upstream base URL is required")
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	if transport == nil {
		transport = NewTransport(cfg)
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			// Redirects belong to the caller.
			return http.ErrUseLastResponse
		},
	}

	return &Proxy{
		client:  client,
		tokens:  tokens,
		gate:    auth.NewGate(cfg.IncomingToken),
		metrics: collector,
		logger:  log.With().Str("component", "proxy").Logger(),
		baseURL: strings.TrimRight(cfg.Upstream.String(), "/"),
	}, nil
}

// ServeHTTP runs the inbound gate and streams the upstream response back.
// Every failure is answered with a JSON body; nothing escapes as a 500.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	event := p.logger.With().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("remote_addr", r.RemoteAddr).
		Logger()

	tw := &trackingWriter{ResponseWriter: w}
	defer func() {
		p.metrics.RecordRequest(tw.statusCode())
	}()
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if rec == http.ErrAbortHandler {
			panic(rec)
		}
		event.Error().
			Interface("panic", rec).
			Bytes("stack", debug.Stack()).
			Msg("panic while proxying")
		if !tw.wroteHeader {
			writeJSON(tw, http.StatusBadGateway, errorBody{Error: "Bad Gateway"})
		}
	}()

	if !p.gate.Authenticate(r.Header) {
		auth.Reject(tw)
		event.Warn().Msg("rejected inbound request: invalid or missing bearer token")
		return
	}

	if _, ok := allowedMethods[r.Method]; !ok {
		tw.Header().Set("Allow", "GET, POST, PUT, DELETE, PATCH, OPTIONS, HEAD")
		writeJSON(tw, http.StatusMethodNotAllowed, errorBody{Error: "Method Not Allowed"})
		event.Warn().Msg("method not allowed")
		return
	}

	resp, err := p.Forward(r.Context(), &Request{
		Method:        r.Method,
		Path:          r.URL.EscapedPath(),
		RawQuery:      r.URL.RawQuery,
		Header:        r.Header,
		Body:          r.Body,
		ContentLength: r.ContentLength,
	})
	if err != nil {
		p.writeError(tw, err)
		event.Error().
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("request failed")
		return
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			event.Debug().
				Err(closeErr).
				Msg("close upstream response body failed")
		}
	}()

	cleanHopHeaders(resp.Header)
	copyHeaders(tw.Header(), resp.Header)
	tw.WriteHeader(resp.StatusCode)

	written, err := stream(tw, resp.Body)
	if err != nil {
		if r.Context().Err() != nil {
			event.Info().
				Int64("bytes", written).
				Dur("duration", time.Since(start)).
				Msg("client disconnected during stream")
			return
		}
		event.Error().
			Err(err).
			Int("status", resp.StatusCode).
			Int64("bytes", written).
			Dur("duration", time.Since(start)).
			Msg("stream response failed")
		var readErr *upstreamReadError
		if errors.As(err, &readErr) {
			// The status line is gone; abort so the caller sees a truncated
			// body rather than a clean end of stream.
			panic(http.ErrAbortHandler)
		}
		return
	}

	event.Info().
		Int("status", resp.StatusCode).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("request proxied")
}

// Forward obtains an upstream token and performs the upstream round trip. It
// returns a *token.Error when no token could be obtained and an *Error for
// any other failure. The caller owns the returned response body.
func (p *Proxy) Forward(ctx context.Context, req *Request) (*http.Response, error) {
	upstreamToken, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body := req.Body
	if body == nil || req.ContentLength == 0 {
		body = http.NoBody
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, p.targetURL(req.Path, req.RawQuery), body)
	if err != nil {
		return nil, &Error{Op: "build upstream request", Err: err}
	}
	if body != http.NoBody {
		upstreamReq.ContentLength = req.ContentLength
	}

	copyRequestHeaders(upstreamReq.Header, req.Header)
	upstreamReq.Header.Set(auth.HeaderAuthorization, "Bearer "+upstreamToken)

	start := time.Now()
	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		return nil, &Error{Op: "perform upstream request", Err: err}
	}
	p.metrics.ObserveUpstream(time.Since(start))

	// The response is still relayed as is; only the cache is dropped.
	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := p.tokens.(Invalidator); ok {
			p.logger.Warn().Msg("upstream rejected access token; invalidating cache")
			inv.Invalidate(upstreamToken)
		}
	}

	return resp, nil
}

// targetURL appends the escaped inbound path to the base URL and carries the
// raw query over verbatim.
func (p *Proxy) targetURL(path, rawQuery string) string {
	target := p.baseURL + "/" + strings.TrimPrefix(path, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// writeError maps pipeline failures onto 502 responses. Token endpoint detail
// stays in the logs.
func (p *Proxy) writeError(w http.ResponseWriter, err error) {
	var tokErr *token.Error
	if errors.As(err, &tokErr) {
		msg := "Upstream token exchange failed"
		if tokErr.Kind == token.KindUpstreamRejected {
			msg = "Failed to authenticate with upstream API"
		}
		writeJSON(w, http.StatusBadGateway, errorBody{Error: msg})
		return
	}
	writeJSON(w, http.StatusBadGateway, errorBody{Error: "Bad Gateway", Details: err.Error()})
}

// stream copies body to w in bounded chunks, flushing after each one so slow
// upstreams reach the caller incrementally.
func stream(w http.ResponseWriter, body io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, streamBufferSize)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			wn, writeErr := w.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, fmt.Errorf("write response: %w", writeErr)
			}
			if flushErr := rc.Flush(); flushErr != nil && !errors.Is(flushErr, http.ErrNotSupported) {
				return written, fmt.Errorf("flush response: %w", flushErr)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, &upstreamReadError{err: readErr}
		}
	}
}

// copyRequestHeaders appends every non hop-by-hop header from src into dst,
// preserving the order of repeated values.
func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, hop := requestHopHeaders[strings.ToLower(k)]; hop {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// copyHeaders appends all headers from src into dst.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// cleanHopHeaders removes hop-by-hop headers that should not be forwarded.
func cleanHopHeaders(h http.Header) {
	for _, k := range responseHopHeaders {
		h.Del(k)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body errorBody) {
	payload, err := json.Marshal(body)
	if err != nil {
		payload = []byte(`{"error":"Bad Gateway"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// trackingWriter records the status sent to the caller.
type trackingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *trackingWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *trackingWriter) statusCode() int {
	if !w.wroteHeader {
		return http.StatusOK
	}
	return w.status
}

// Error is a forwarding failure other than token acquisition.
type Error struct {
	Op  string // Op names the pipeline step that failed.
	Err error  // Err retains the original cause for logging.
}

// Error implements the error interface for Error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *Error) Unwrap() error {
	return e.Err
}

// upstreamReadError marks a failure reading the upstream body, as opposed to
// writing to the caller.
type upstreamReadError struct {
	err error
}

func (e *upstreamReadError) Error() string {
	return fmt.Sprintf("read upstream body: %v", e.err)
}

func (e *upstreamReadError) Unwrap() error {
	return e.err
}
