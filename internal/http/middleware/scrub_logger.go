// Package middleware contains shared Gin middleware used by both HTTP
// surfaces of this project: the code gateway and the bot's admin API.
//
// This file implements ScrubbingLogger, the access logger for routes that
// handle one-time codes and seed material. It never logs request or response
// bodies, masks credential-bearing headers outright, and applies regex
// scrubbing to query strings and remaining header values so that OTP codes,
// base32 seeds, and requester emails cannot end up in log storage.
//
// Scrubbing reduces but does not eliminate leak risk; clients should still
// avoid putting secrets in query strings in the first place.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ScrubOptions configures additional masking for ScrubbingLogger.
//
// MaskHeaders lists extra header names whose values are fully replaced with
// "[MASKED]". Matching is case-insensitive and merged with the built-in set
// (Authorization, Cookie, Set-Cookie, X-Zulip-User).
type ScrubOptions struct {
	MaskHeaders []string
}

// ScrubbingLogger returns a Gin middleware that logs HTTP traffic with
// secret-looking values removed.
//
// It logs method, route path, scrubbed query string, status, response size,
// latency, and scrubbed request headers, at info level for 2xx/3xx, warn for
// 4xx, and error for 5xx.
//
// Scrub order matters: base32 seeds first (the loosest digit patterns would
// otherwise eat into them), then emails, then bare OTP-shaped digit runs.
func ScrubbingLogger(opts ScrubOptions) gin.HandlerFunc {
	// Standalone base32 runs long enough to be seed material.
	seedRE := regexp.MustCompile(`\b[A-Z2-7]{16,}\b`)
	emailRE := regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Anything shaped like a TOTP code.
	otpRE := regexp.MustCompile(`\b[0-9]{6,10}\b`)

	scrub := func(s string) string {
		if s == "" {
			return s
		}
		out := seedRE.ReplaceAllString(s, "[MASKED:seed]")
		out = emailRE.ReplaceAllString(out, "[MASKED:email]")
		out = otpRE.ReplaceAllString(out, "[MASKED:otp]")
		return out
	}

	masked := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
		"x-zulip-user":  {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := scrub(c.Request.URL.RawQuery)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := masked[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[MASKED]"
				continue
			}
			safeHeaders[k] = scrub(strings.Join(vv, ", "))
		}

		c.Next()

		status := c.Writer.Status()

		reqID := c.Writer.Header().Get(requestIDHeader)
		if reqID == "" {
			reqID = c.GetHeader(requestIDHeader)
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
