// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
)

// maxResponseSize matches the limit x/oauth2 applies to token responses.
const maxResponseSize = 1 << 20

// jsonResponse sits between x/oauth2 and the token endpoint. Successful
// responses must be a JSON object whatever their Content-Type, and a
// fractional expires_in is truncated to whole seconds so x/oauth2 can parse
// it. Error responses pass through untouched.
type jsonResponse struct {
	next http.RoundTripper
}

func (t *jsonResponse) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	normalized, err := normalizeTokenJSON(body)
	if err != nil {
		return nil, err
	}

	resp.Body = io.NopCloser(bytes.NewReader(normalized))
	resp.ContentLength = int64(len(normalized))
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Set("Content-Length", strconv.Itoa(len(normalized)))
	return resp, nil
}

func normalizeTokenJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if fields == nil {
		return nil, errors.New("decode token response: not a JSON object")
	}

	raw, ok := fields["expires_in"]
	if !ok || raw == nil {
		return body, nil
	}
	n, ok := raw.(json.Number)
	if !ok {
		return nil, fmt.Errorf("token response expires_in is not a number: %v", raw)
	}
	if _, err := n.Int64(); err == nil {
		return body, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("token response expires_in: %w", err)
	}
	f = math.Max(math.Min(math.Trunc(f), math.MaxInt32), -math.MaxInt32)
	fields["expires_in"] = json.Number(strconv.FormatInt(int64(f), 10))

	return json.Marshal(fields)
}
