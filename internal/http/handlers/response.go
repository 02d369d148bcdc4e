// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response shapes shared by all endpoints:
//
//   - Envelope {message, data} for payment intake results, so a first
//     response and its idempotent replays are identical.
//   - ErrorResponse {request_id, code, message} for errors, with a stable
//     machine-readable code.
//
// Service errors are mapped to statuses in one place (failErr).
//
// Example error response:
//
//	HTTP/1.1 409 Conflict
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "invalid_transition",
//	  "message": "invalid status transition: Success -> Pending"
//	}
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-payments-backend/internal/http/middleware"
	"github.com/tbourn/go-payments-backend/internal/services"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code"`
	// Human-readable message
	Message string `json:"message"`
}

// Envelope wraps intake results. Data is kept raw so stored results are
// replayed byte for byte.
type Envelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// fail aborts the request with an ErrorResponse. Server errors are logged
// with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail for router-level fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr maps a service error to its HTTP status and code. Internal error
// details are logged but not returned.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrValidationFailed):
		fail(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, services.ErrInvalidCaller):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, middleware.MsgInvalidCaller)
	case errors.Is(err, services.ErrPaymentNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "payment not found")
	case errors.Is(err, services.ErrInvalidTransition):
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, services.ErrConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrIdempotencyMismatch):
		fail(c, http.StatusUnprocessableEntity, ErrCodeIdempotencyMismatch, err.Error())
	default:
		middleware.LoggerFrom(c).Error().Err(err).Msg("request failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// envelope writes {message, data} with data embedded verbatim.
func envelope(c *gin.Context, status int, msg string, data []byte) {
	if len(data) == 0 {
		data = []byte("null")
	}
	c.JSON(status, Envelope{Message: msg, Data: data})
}
