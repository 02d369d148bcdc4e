// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the request ID injector, the structured access logger
// and panic recovery:
//
//   - RequestID() reuses or generates X-Request-ID and stores it in the Gin
//     context.
//   - Logger() emits one access log per request with scrubbed query string
//     and headers, and attaches a request-scoped zerolog.Logger both to the
//     Gin context (LoggerFrom) and to the request context (zerolog.Ctx), so
//     services log with the same request fields.
//   - Recovery() converts panics into JSON 500 responses.
//
// Recommended order: RequestID(), CallerID(), Logger(), Recovery().
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key under which the request ID is stored.
	requestIDKey = "requestID"
	// requestIDHeader is the HTTP header used to propagate the correlation ID.
	requestIDHeader = "X-Request-ID"
	// loggerKey is the Gin context key of the request-scoped logger.
	loggerKey = "logger"
	// maxQueryLogLength caps the number of bytes of the raw query string logged.
	maxQueryLogLength = 2048
)

// RequestID attaches (or propagates) a correlation identifier per request.
// The ID is echoed in the X-Request-ID response header.
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

// LogOptions configures Logger.
//
// MaskHeaders lists extra request headers whose values are replaced with
// "[REDACTED]". Authorization, Cookie and Set-Cookie are always masked.
// LogHeaders adds the scrubbed request headers to every access log line.
type LogOptions struct {
	MaskHeaders []string
	LogHeaders  bool
}

var (
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Card-like digit runs (13..19 digits, optionally grouped).
	panRE = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
)

// redact scrubs e-mail addresses and card-like numbers from s.
func redact(s string) string {
	if s == "" {
		return s
	}
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return panRE.ReplaceAllString(s, "[REDACTED:pan]")
}

// Logger writes a structured access log for each request.
//
// Level follows the outcome: error for 5xx or when Gin collected errors, warn
// for 4xx, info otherwise. Bodies are never logged.
func Logger(opts LogOptions) gin.HandlerFunc {
	masked := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		rid, _ := c.Get(requestIDKey)
		uid, _ := c.Get(userIDKey)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		lc := log.With().
			Str("request_id", asString(rid)).
			Str("user_id", asString(uid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP())
		if key := c.GetHeader(HeaderIdempotencyKey); key != "" {
			lc = lc.Str("idempotency_key", truncate(key, 64))
		}
		l := lc.Logger()

		c.Set(loggerKey, &l)
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))

		c.Next()

		ev := l.With().
			Str("user_agent", c.Request.UserAgent()).
			Str("query", redact(truncate(c.Request.URL.RawQuery, maxQueryLogLength))).
			Int64("bytes_in", c.Request.ContentLength).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()

		var e *zerolog.Event
		switch status := c.Writer.Status(); {
		case len(c.Errors) > 0:
			e = ev.Error().Str("errors", c.Errors.String())
		case status >= 500:
			e = ev.Error()
		case status >= 400:
			e = ev.Warn()
		default:
			e = ev.Info()
		}
		if opts.LogHeaders {
			e = e.Interface("headers", scrubHeaders(c.Request.Header, masked))
		}
		e.Msg("request")
	}
}

func scrubHeaders(h http.Header, masked map[string]struct{}) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := masked[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = redact(strings.Join(vv, ", "))
	}
	return out
}

// Recovery intercepts panics, logs a stack trace, and returns a JSON 500
// error carrying the request ID when nothing was written yet.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid, _ := c.Get(requestIDKey)
				LoggerFrom(c).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header(requestIDHeader, asString(rid))
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": asString(rid),
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped zerolog.Logger, or the global logger
// when Logger() did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes, appending an ellipsis. max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
