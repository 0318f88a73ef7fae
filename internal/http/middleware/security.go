// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, which attaches a conservative set of
// hardening headers appropriate for a JSON/SSE API behind a reverse proxy.
// There is no Content-Security-Policy here: the API serves no HTML except the
// swagger UI, which ships its own assets.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// exposedHeaders are the response headers browser clients are allowed to read
// cross-origin: the request correlation id and the idempotency replay marker.
const exposedHeaders = "X-Request-ID, Idempotency-Replayed"

// SecurityOptions configures the headers emitted by SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS emits Strict-Transport-Security on HTTPS requests. Enable
	// only when traffic is HTTPS end to end, including proxy to app.
	EnableHSTS bool
	// HSTSMaxAge is the HSTS lifetime; values <= 0 default to 180 days.
	HSTSMaxAge time.Duration
	// NoStore adds Cache-Control: no-store to every response. The SSE
	// endpoints already send their own no-cache header, so this is only
	// needed when the JSON responses themselves are sensitive.
	NoStore bool
	// EnablePolicy includes Permissions-Policy and
	// X-Permitted-Cross-Domain-Policies. Browser-only; harmless elsewhere.
	EnablePolicy bool
}

// SecurityHeaders returns a middleware adding baseline hardening headers:
// nosniff, frame denial, and a no-referrer policy on every response, plus the
// optional header groups selected in opt. When a request id is present it is
// exposed to cross-origin readers together with the idempotency replay
// marker, so browser clients can correlate logs and detect replays.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hstsValue := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

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

		// Never on plain HTTP: a cached HSTS policy would lock clients out.
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hstsValue)
		}

		if rid := h.Get("X-Request-ID"); rid != "" {
			appendExposed(h)
		}

		c.Next()
	}
}

// appendExposed merges exposedHeaders into Access-Control-Expose-Headers
// without clobbering values another layer (e.g. CORS) already set.
func appendExposed(h http.Header) {
	const hdr = "Access-Control-Expose-Headers"
	cur := h.Get(hdr)
	switch {
	case cur == "":
		h.Set(hdr, exposedHeaders)
	case !strings.Contains(cur, "X-Request-ID"):
		h.Set(hdr, cur+", "+exposedHeaders)
	}
}

// isHTTPS reports whether the request arrived over HTTPS, directly or via a
// proxy that set X-Forwarded-Proto.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
