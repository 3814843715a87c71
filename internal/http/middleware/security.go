// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, which attaches hardening headers suited
// to a JSON API behind a reverse proxy. Material details and transcripts are
// private study content, so the API group runs it with PrivateCache: shared
// caches must not keep a copy and browsers must revalidate every time, which
// is what the weak ETags on the list endpoints rely on.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Cache policy values written by SecurityHeaders.
const (
	cachePrivateRevalidate = "private, no-cache"
	cacheNoStore           = "no-store"
)

// SecurityOptions configures SecurityHeaders.
//
// HSTS is sent only for HTTPS requests and only when EnableHSTS is set; a
// non-positive HSTSMaxAge means 180 days.
//
// PrivateCache marks responses as per-user: Cache-Control private, no-cache
// plus Vary on the credentials headers. NoStore forbids storing entirely and
// wins over PrivateCache.
type SecurityOptions struct {
	EnableHSTS   bool
	HSTSMaxAge   time.Duration
	PrivateCache bool
	NoStore      bool
	EnablePolicy bool // Permissions-Policy and X-Permitted-Cross-Domain-Policies
}

// SecurityHeaders returns middleware that sets, on every response:
//
//	X-Content-Type-Options: nosniff
//	X-Frame-Options: DENY
//	Referrer-Policy: no-referrer
//
// and, depending on opt, the browser feature policy, the cache policy and
// Strict-Transport-Security. When a request id was already assigned it is
// added to Access-Control-Expose-Headers so browser clients can report it.
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
			// Uploads come from a file picker; the API never needs device access.
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		switch {
		case opt.NoStore:
			h.Set("Cache-Control", cacheNoStore)
			h.Set("Pragma", "no-cache")
		case opt.PrivateCache:
			h.Set("Cache-Control", cachePrivateRevalidate)
			addVary(h, "Authorization")
			addVary(h, HeaderDevUserID)
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if h.Get("X-Request-ID") != "" {
			appendToken(h, "Access-Control-Expose-Headers", "X-Request-ID")
		}

		c.Next()
	}
}

func addVary(h http.Header, field string) { appendToken(h, "Vary", field) }

// appendToken adds tok to the comma-separated header key unless present.
func appendToken(h http.Header, key, tok string) {
	cur := h.Get(key)
	if cur == "" {
		h.Set(key, tok)
		return
	}
	for _, part := range strings.Split(cur, ",") {
		if strings.EqualFold(strings.TrimSpace(part), tok) {
			return
		}
	}
	h.Set(key, cur+", "+tok)
}

// isHTTPS reports whether the request arrived over TLS, directly or through
// a proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
