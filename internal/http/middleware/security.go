// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, a hardening middleware for a JSON API
// behind a reverse proxy. Payment responses are not cacheable by default.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
//
// HSTS is sent only when EnableHSTS is set and the request arrived over HTTPS
// (directly or per X-Forwarded-Proto). HSTSMaxAge defaults to 180 days.
// AllowCache drops the default Cache-Control: no-store.
type SecurityOptions struct {
	EnableHSTS   bool
	HSTSMaxAge   time.Duration
	AllowCache   bool
	EnablePolicy bool // Permissions-Policy and X-Permitted-Cross-Domain-Policies
}

// exposedHeaders are made readable to browser clients.
var exposedHeaders = []string{requestIDHeader, HeaderIdempotencyReplayed}

// SecurityHeaders returns a middleware that sets the baseline headers
// (nosniff, frame deny, no referrer), no-store unless AllowCache, the
// optional feature policies and HSTS, and exposes X-Request-ID and
// Idempotency-Replayed to browsers.
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
		if !opt.AllowCache {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}
		exposeHeaders(h, exposedHeaders...)

		c.Next()
	}
}

// exposeHeaders appends names to Access-Control-Expose-Headers without
// duplicating entries already present.
func exposeHeaders(h http.Header, names ...string) {
	const hdr = "Access-Control-Expose-Headers"
	cur := h.Get(hdr)
	for _, n := range names {
		if strings.Contains(strings.ToLower(cur), strings.ToLower(n)) {
			continue
		}
		if cur == "" {
			cur = n
		} else {
			cur += ", " + n
		}
	}
	if cur != "" {
		h.Set(hdr, cur)
	}
}

// isHTTPS reports whether the request used TLS directly or via a proxy that
// set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
