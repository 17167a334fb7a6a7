// RedactingLogger, a structured HTTP logger that scrubs sensitive values
// from request metadata before they reach the log stream.
//
// The traffic here is payment traffic: session JWTs, OTP codes, parent
// emails and phone numbers all pass through this API, and log aggregation
// is the easiest place to leak them. Ground rules:
//
//   - Never log request or response bodies. OTP codes and amounts travel in
//     bodies, so the whole class of leak is excluded up front.
//   - Mask credential-bearing headers entirely (Authorization, Cookie,
//     Set-Cookie, Idempotency-Key, plus anything in opts.MaskHeaders).
//   - Pattern-scrub the values that remain: OTP-style query parameters,
//     JWT-shaped tokens, UUIDs, emails and phone numbers.
//
// Usage:
//
//	r := gin.New()
//	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
//	    MaskHeaders: []string{"X-Api-Key"},
//	}))
//
// Scrubbing reduces but does not eliminate leak risk; clients still must not
// put codes or tokens in query strings.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures extra scrub behavior for RedactingLogger.
//
// MaskHeaders lists additional header names whose values are replaced with
// "[REDACTED]" wholesale. Matching is case-insensitive and merged with the
// built-in set (Authorization, Cookie, Set-Cookie, Idempotency-Key).
type RedactOptions struct {
	MaskHeaders []string
}

// RedactingLogger returns a Gin middleware that logs one scrubbed
// http_request line per request: method, route, query, status, size,
// latency and headers, at info/warn/error by status class.
//
// Substitution order matters and is fixed:
//  1. OTP-style parameters (code=123456, otp=...) so a digit code is caught
//     before the phone pattern mangles it into a partial match
//  2. JWT-shaped tokens (three dot-joined base64url segments), catching
//     session or gateway bearer tokens that show up outside the masked
//     Authorization header
//  3. UUIDs, before the phone pattern can match their digit runs
//  4. emails
//  5. phone numbers, the loosest pattern, last
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	otpRE := regexp.MustCompile(`(?i)\b(code|otp|otp_code)=\d{4,8}\b`)
	jwtRE := regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`)
	uuidRE := regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE := regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits-only phone pattern, so hex from IDs is not matched.
	// Matches "+84 212-555-1212", "212 555 1212", "(212) 555-1212".
	phoneRE := regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)

	redact := func(s string) string {
		if s == "" {
			return s
		}
		out := s
		out = otpRE.ReplaceAllString(out, "$1=[REDACTED:otp]")
		out = jwtRE.ReplaceAllString(out, "[REDACTED:token]")
		out = uuidRE.ReplaceAllString(out, "[REDACTED:id]")
		out = emailRE.ReplaceAllString(out, "[REDACTED:email]")
		out = phoneRE.ReplaceAllString(out, "[REDACTED:phone]")
		return out
	}

	maskHeaders := map[string]struct{}{
		"authorization":   {},
		"cookie":          {},
		"set-cookie":      {},
		"idempotency-key": {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := redact(c.Request.URL.RawQuery)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redact(strings.Join(vv, ", "))
		}

		c.Next()

		status := c.Writer.Status()

		reqID := c.Writer.Header().Get("X-Request-ID")
		if reqID == "" {
			reqID = c.GetHeader("X-Request-ID")
		}

		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}

		ev.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
