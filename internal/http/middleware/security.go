// SecurityHeaders hardens the JSON API responses.
//
// The API carries session tokens, balances and payment receipts, so the
// emphasis is on cache suppression (a shared browser cache must never hold a
// balance response) and transport pinning via HSTS when the deployment is
// HTTPS end to end. No CSP is set here; the service serves no HTML.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures the headers emitted by SecurityHeaders.
//
// EnableHSTS emits Strict-Transport-Security for HTTPS requests only, and
// should stay off unless the proxy-to-app hop is also TLS. HSTSMaxAge
// defaults to 180 days when unset.
//
// NoStore adds Cache-Control: no-store plus the legacy Pragma/Expires pair.
// The router enables it globally: every authenticated response here is
// account-specific financial data.
//
// EnablePolicy sends the browser feature policies (Permissions-Policy,
// X-Permitted-Cross-Domain-Policies). Only user agents act on them; they are
// harmless for the mobile client.
type SecurityOptions struct {
	EnableHSTS   bool          // only when traffic is HTTPS end-to-end
	HSTSMaxAge   time.Duration // e.g. 180 * 24h
	NoStore      bool          // add Cache-Control: no-store
	EnablePolicy bool          // include Permissions-Policy, etc.
}

// SecurityHeaders returns a Gin middleware adding conservative security
// headers to each response.
//
// Always: X-Content-Type-Options: nosniff, X-Frame-Options: DENY,
// Referrer-Policy: no-referrer.
//
// With EnablePolicy: Permissions-Policy disabling geolocation, microphone,
// camera and the browser Payment Request API (settlement goes through this
// backend, never through in-page payment UI), plus
// X-Permitted-Cross-Domain-Policies: none.
//
// With NoStore: Cache-Control: no-store, Pragma: no-cache, Expires: 0.
//
// With EnableHSTS on an HTTPS request:
// Strict-Transport-Security: max-age=<seconds>; includeSubDomains; preload.
//
// When X-Request-ID is already on the response, it is appended to
// Access-Control-Expose-Headers without clobbering entries a CORS layer set.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		// Never advertise HSTS over plain HTTP.
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if rid := h.Get("X-Request-ID"); rid != "" {
			const hdr = "Access-Control-Expose-Headers"
			cur := h.Get(hdr)
			switch {
			case cur == "":
				h.Set(hdr, "X-Request-ID")
			case !strings.Contains(cur, "X-Request-ID"):
				h.Set(hdr, cur+", X-Request-ID")
			}
		}

		c.Next()
	}
}

// isHTTPS reports whether the request arrived over HTTPS, either directly
// (r.TLS != nil) or via a proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
