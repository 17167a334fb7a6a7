// Package upstream implements HTTP clients for the three collaborating
// services: Identity (auth + profile/balance), OTP (one-time codes), and
// Tuition (student lookup + payment). Each client translates wire-level
// failures into the service error values defined in errors.go so callers can
// branch with errors.Is without touching HTTP status codes.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// client is the shared HTTP plumbing for the per-service clients. All calls
// honor the caller's context; the configured timeout is a per-request upper
// bound layered on top of it.
type client struct {
	name string // service label used in errors and logs
	base string // base URL including any path prefix (e.g. "http://otp:8002/api")
	hc   *http.Client
}

func newClient(name, base string, timeout time.Duration) client {
	return client{
		name: name,
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: timeout},
	}
}

// apiEnvelope is the common response wrapper used by the services:
// {"status": "success"|"error", "message": ..., "data": {...}} with FastAPI
// validation failures arriving as {"detail": ...} instead.
type apiEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Detail  json.RawMessage `json:"detail"`
}

// detailMessage extracts a human-readable message from a FastAPI detail
// payload, which may be a bare string or an object with error/message keys.
func (e *apiEnvelope) detailMessage() string {
	if len(e.Detail) == 0 {
		return e.Message
	}
	var s string
	if err := json.Unmarshal(e.Detail, &s); err == nil {
		return s
	}
	var obj struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Detail, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return e.Message
}

// do performs a JSON request and decodes the response envelope. A non-nil
// *TransientError is returned for connection errors, timeouts, and 5xx
// responses: outcomes where the server may or may not have acted. Definitive
// rejections (4xx) are returned as *StatusError for the caller to map.
func (c client) do(ctx context.Context, method, path string, query url.Values, token string, hdr map[string]string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", c.name, err)
		}
		rd = bytes.NewReader(b)
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		// Timeout, refused connection, DNS failure: the request may or may
		// not have reached the server.
		return &TransientError{Service: c.name, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransientError{Service: c.name, Err: err}
	}

	if resp.StatusCode >= 500 {
		return &TransientError{Service: c.name, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var env apiEnvelope
	// Tolerate non-envelope bodies (some endpoints return the data object
	// directly); the envelope decode is best-effort for error extraction.
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode >= 400 {
		return &StatusError{
			Service: c.name,
			Status:  resp.StatusCode,
			Message: env.detailMessage(),
		}
	}
	if env.Status == "error" {
		// 2xx body carrying an application-level error.
		return &StatusError{Service: c.name, Status: resp.StatusCode, Message: env.detailMessage()}
	}

	if out != nil {
		payload := raw
		if len(env.Data) > 0 {
			payload = env.Data
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", c.name, err)
		}
	}
	return nil
}

func (c client) post(ctx context.Context, path, token string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, token, nil, body, out)
}

func (c client) postWithHeaders(ctx context.Context, path, token string, hdr map[string]string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, token, hdr, body, out)
}

func (c client) get(ctx context.Context, path string, query url.Values, token string, out any) error {
	return c.do(ctx, http.MethodGet, path, query, token, nil, nil, out)
}
