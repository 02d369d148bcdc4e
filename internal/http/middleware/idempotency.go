// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency support for payment intake.
//
// IdempotencyValidator checks the Idempotency-Key header format on every
// request that carries one and, through an optional lookup, marks requests
// that will be served from a stored result so the rate limiter lets them
// through.
//
// IdempotencyGuard runs the idempotency decision in front of a handler: the
// handler only runs when the key was newly claimed. Replays and in-flight
// duplicates are answered by the guard itself.
package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-payments-backend/internal/services"
)

// HeaderIdempotencyKey is the request header carrying the idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotencyReplayed is set to "true" on responses served from a
// stored result.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

// Messages of the plain-text 400 responses.
const (
	MsgMissingKey    = "Idempotency-Key header is required."
	MsgInvalidKey    = "Idempotency-Key header is invalid."
	MsgInvalidCaller = "Valid user ID is required (X-User-Id header is missing or invalid)."
)

// DefaultMaxKeyLen matches the width of idempotency_keys.key.
const DefaultMaxKeyLen = 255

// Keys are opaque: any printable ASCII, space included.
var defaultKeyPattern = regexp.MustCompile(`^[\x20-\x7E]+$`)

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: a stored result exists
	ctxKeyRateBypass = "rate.bypass" // bool: skip rate limiting
)

// GetIdempotencyKey returns the key stored by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the request will be answered from a stored result.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the key length. Values <= 0 default to DefaultMaxKeyLen.
	MaxLen int
	// Pattern restricts allowed characters. Defaults to printable ASCII.
	Pattern *regexp.Regexp
}

// IdempotencyLookup reports whether a completed result is stored for
// (callerID, key). Errors are ignored by the validator.
type IdempotencyLookup func(ctx context.Context, callerID, key string) (completed bool, err error)

// IdempotencyValidator rejects Idempotency-Key headers that cannot be stored
// with a plain-text 400 and stashes valid ones. Requests without the header pass untouched; the
// guard decides whether a key is required.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxKeyLen
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			idemDecisions.WithLabelValues("invalid_key").Inc()
			c.String(http.StatusBadRequest, MsgInvalidKey)
			c.Abort()
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			if uid, ok := CallerFrom(c); ok {
				if done, _ := lookup(c.Request.Context(), uid, key); done {
					c.Set(ctxKeyIdemReplay, true)
					c.Set(ctxKeyRateBypass, true)
				}
			}
		}
		c.Next()
	}
}

// BeginFunc claims or resolves an idempotency key.
// (*services.IdempotencyService).TryBeginRequest satisfies it.
type BeginFunc func(ctx context.Context, key, callerID string, body []byte, path string) (services.Decision, error)

// GuardOptions shapes the responses written by IdempotencyGuard.
type GuardOptions struct {
	// OnReplay writes a stored result. Defaults to 200 with the raw JSON.
	OnReplay func(c *gin.Context, stored []byte)
	// OnConflict answers a duplicate of an in-flight request. Defaults to 409.
	OnConflict func(c *gin.Context)
}

// IdempotencyGuard requires an Idempotency-Key and a valid caller, runs begin
// on the raw body and only calls the next handler on a Proceed decision. The
// body is restored for the handler.
//
//   - missing key or caller: 400, plain text
//   - replay: OnReplay, with Idempotency-Replayed: true
//   - in flight: OnConflict
//   - key reused with another body (when rejected): 422
//   - storage failure: 500
func IdempotencyGuard(begin BeginFunc, opts GuardOptions) gin.HandlerFunc {
	onReplay := opts.OnReplay
	if onReplay == nil {
		onReplay = func(c *gin.Context, stored []byte) {
			c.Data(http.StatusOK, "application/json; charset=utf-8", stored)
		}
	}
	onConflict := opts.OnConflict
	if onConflict == nil {
		onConflict = func(c *gin.Context) {
			c.JSON(http.StatusConflict, gin.H{"message": "This request is already processing.", "data": nil})
		}
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			idemDecisions.WithLabelValues("missing_key").Inc()
			c.String(http.StatusBadRequest, MsgMissingKey)
			c.Abort()
			return
		}
		caller, ok := CallerFrom(c)
		if !ok {
			idemDecisions.WithLabelValues("invalid_caller").Inc()
			c.String(http.StatusBadRequest, MsgInvalidCaller)
			c.Abort()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				abortJSON(c, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
				return
			}
			abortJSON(c, http.StatusBadRequest, "bad_request", "unreadable request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		d, err := begin(c.Request.Context(), key, caller, body, c.Request.URL.Path)
		switch {
		case errors.Is(err, services.ErrMissingKey):
			c.String(http.StatusBadRequest, MsgMissingKey)
			c.Abort()
			return
		case errors.Is(err, services.ErrInvalidCaller):
			c.String(http.StatusBadRequest, MsgInvalidCaller)
			c.Abort()
			return
		case errors.Is(err, services.ErrIdempotencyMismatch):
			idemDecisions.WithLabelValues("mismatch").Inc()
			abortJSON(c, http.StatusUnprocessableEntity, "idempotency_mismatch", "Idempotency-Key was already used with a different request")
			return
		case err != nil:
			idemDecisions.WithLabelValues("error").Inc()
			LoggerFrom(c).Error().Err(err).Msg("idempotency check failed")
			abortJSON(c, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}

		idemDecisions.WithLabelValues(d.Outcome.String()).Inc()
		switch d.Outcome {
		case services.OutcomeReplay:
			c.Header(HeaderIdempotencyReplayed, "true")
			onReplay(c, d.Response)
			c.Abort()
		case services.OutcomeConflict:
			onConflict(c)
			c.Abort()
		default:
			c.Set(ctxKeyIdemKey, key)
			c.Next()
		}
	}
}

func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
