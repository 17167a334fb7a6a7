// Package middleware holds the Gin middleware shared by the payment API.
//
// This file covers the correlation and observability basics the settlement
// flow depends on:
//
//   - RequestID() gives every request a stable correlation ID (propagated via
//     X-Request-ID and stored in the Gin context) so a single payment attempt
//     can be traced across the lookup, OTP and settlement calls it fans out to.
//   - Logger() emits one structured access-log line per request and attaches a
//     request-scoped zerolog.Logger so saga steps log with shared context
//     (e.g. lg.Info().Str("saga_id", id).Msg("terms accepted")).
//   - Recovery() turns panics into JSON 500 responses that keep the
//     correlation ID, with the stack trace going to the log only.
//   - LoggerFrom() fetches the request-scoped logger inside handlers.
//
// Ordering: RequestID() first, then Logger() (or RedactingLogger), then
// Recovery(), so panics and error responses carry the correlation ID.
// Query strings are clipped before logging; money amounts and OTP codes never
// travel in query strings, but student codes do, and unbounded queries would
// bloat the log either way. The request-scoped logger lives under the
// "logger" Gin context key.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key under which the request ID is stored.
	requestIDKey = "requestID"
	// requestIDHeader propagates the correlation ID to and from clients.
	requestIDHeader = "X-Request-ID"
	// maxQueryLogBytes caps how much of the raw query string is logged.
	maxQueryLogBytes = 2048
)

// RequestID attaches (or propagates) a correlation identifier per request.
//
// An incoming X-Request-ID is reused so the mobile client can correlate its
// own traces with ours; otherwise a fresh UUIDv4 is generated. The ID is
// echoed on the response header and stored under the "requestID" context key.
// Mount this before anything that logs or writes error bodies.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Logger writes one structured access-log line per request.
//
// The line carries method, matched route (falling back to the raw path on
// 404s), remote IP, user agent, referer, correlation ID, the authenticated
// user ID when SessionAuth has run, request size, response status, latency
// and bytes written. A request-scoped zerolog.Logger with the same base
// fields is stored under the "logger" context key for downstream code.
//
// Level follows the outcome: error for 5xx or when Gin collected errors,
// warn for 4xx (terms rejections and step conflicts land here), info
// otherwise. Mount after RequestID().
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid, _ := c.Get(requestIDKey)
		uid, _ := c.Get("userID")
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		l := log.With().
			Str("request_id", ctxString(rid)).
			Str("user_id", ctxString(uid)).
			Str("method", c.Request.Method).
			Str("path", route).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("referer", c.Request.Referer()).
			Str("query", clip(c.Request.URL.RawQuery, maxQueryLogBytes)).
			Int64("bytes_in", c.Request.ContentLength).
			Logger()

		c.Set("logger", &l)

		c.Next()

		status := c.Writer.Status()
		done := l.With().
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()

		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0:
			ev = done.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = done.Error()
		case status >= 400:
			ev = done.Warn()
		default:
			ev = done.Info()
		}
		ev.Msg("request")
	}
}

// Recovery intercepts panics, logs the stack trace, and answers with the
// standard JSON error envelope:
//
//	{ "request_id": "...", "code": "internal_error", "message": "internal server error" }
//
// The body is only written when the handler has not started a response; a
// panic mid-stream aborts with a bare 500. The stack never reaches the
// client. Mount after Logger().
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid, _ := c.Get(requestIDKey)
				log.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("request_id", ctxString(rid)).
					Msg("panic recovered")

				if c.Writer.Written() {
					c.AbortWithStatus(http.StatusInternalServerError)
					return
				}
				c.Header("Content-Type", "application/json")
				c.Header(requestIDHeader, ctxString(rid))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"request_id": ctxString(rid),
					"code":       "internal_error",
					"message":    "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped zerolog.Logger attached by Logger().
// When none is present (tests, or routes mounted without the access logger)
// a plain fallback logger is returned, so callers never nil-check.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get("logger"); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// ctxString unwraps a Gin context value as a string, empty when absent or of
// another type.
func ctxString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// clip bounds s to max bytes, marking the cut with an ellipsis. max <= 0
// disables clipping. Byte-wise truncation is fine for log output.
func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
