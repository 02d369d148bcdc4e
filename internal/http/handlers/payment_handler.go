// Payment HTTP handlers.
//
// This file exposes REST endpoints for payment resources:
//   - POST   /payments              (idempotent intake)
//   - GET    /payments              (list, paginated, ETag support)
//   - GET    /payments/{id}         (read back)
//   - PATCH  /payments/{id}/status  (forward-only status change)
//   - GET    /payments/{id}/events  (audit trail)
//
// Handlers are transport-thin: they bind input, call PaymentService and
// translate results into HTTP responses. Deduplication of POST retries happens
// before the handler runs, in middleware.IdempotencyGuard.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-payments-backend/internal/domain"
	"github.com/tbourn/go-payments-backend/internal/http/middleware"
	"github.com/tbourn/go-payments-backend/internal/services"
	"github.com/tbourn/go-payments-backend/internal/utils"
)

const (
	MsgPaymentCreated = "Payment created successfully"
	MsgInFlight       = "This request is already processing."
)

// PaymentService defines the payment operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type PaymentService interface {
	// CreatePayment stores a payment and its outbox event atomically and
	// returns the serialized result that is also kept for replays.
	CreatePayment(ctx context.Context, req services.CreatePaymentRequest, callerID, idempotencyKey string) (*services.PaymentResult, json.RawMessage, error)
	GetPayment(ctx context.Context, id, callerID string) (*domain.Payment, error)
	ListPayments(ctx context.Context, callerID string, page, pageSize int) ([]domain.Payment, int64, error)
	// ListStats returns the count and latest update time used for list ETags.
	ListStats(ctx context.Context, callerID string) (int64, *time.Time, error)
	AdvanceStatus(ctx context.Context, id, callerID string, to domain.TransactionStatus) (*domain.Payment, error)
	ListEvents(ctx context.Context, id, callerID string) ([]domain.EventLog, error)
}

// Handlers groups the payment endpoints.
type Handlers struct {
	paySvc PaymentService
}

// New constructs and returns a Handlers instance bound to svc.
func New(svc PaymentService) *Handlers {
	return &Handlers{paySvc: svc}
}

//
// DTOs
//

// UpdateStatusRequest is the JSON payload for a status change.
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required" example:"Processing"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListPaymentsResponse wraps a page of payments and pagination information.
type ListPaymentsResponse struct {
	Payments   []domain.Payment `json:"payments"`
	Pagination Pagination       `json:"pagination"`
}

// ListEventsResponse is the audit trail of one payment.
type ListEventsResponse struct {
	TransactionID string            `json:"transactionId"`
	Events        []domain.EventLog `json:"events"`
}

//
// Helpers
//

// caller returns the caller id set by middleware.CallerID. A missing caller
// is answered with the same plain-text 400 the guard uses.
func caller(c *gin.Context) (string, bool) {
	uid, found := middleware.CallerFrom(c)
	if !found {
		c.String(http.StatusBadRequest, middleware.MsgInvalidCaller)
		c.Abort()
	}
	return uid, found
}

// ReplayCreated writes a stored intake result in the same envelope as the
// first response. It is used as GuardOptions.OnReplay.
func ReplayCreated(c *gin.Context, stored []byte) {
	envelope(c, http.StatusOK, MsgPaymentCreated, stored)
}

// InFlight answers a duplicate of a request that is still being processed.
// It is used as GuardOptions.OnConflict.
func InFlight(c *gin.Context) {
	envelope(c, http.StatusConflict, MsgInFlight, nil)
}

//
// Handlers
//

// CreatePayment godoc
// @ID          createPayment
// @Summary     Create a payment
// @Description Stores a Pending payment and its PaymentCreated event in one transaction. Retries with the same Idempotency-Key replay the first result.
// @Tags        Payments
// @Accept      json
// @Produce     json
// @Param       X-User-Id        header  string  true  "Caller ID (UUID)"
// @Param       Idempotency-Key  header  string  true  "Client-chosen key, unique per logical request"
// @Param       body             body    services.CreatePaymentRequest  true  "Payment"
// @Success     200  {object}  handlers.Envelope
// @Failure     400  {string}  string  "Missing or malformed header"
// @Failure     409  {object}  handlers.Envelope  "Duplicate request still in flight"
// @Failure     422  {object}  handlers.ErrorResponse  "Key reused with a different body"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /payments [post]
func (h *Handlers) CreatePayment(c *gin.Context) {
	uid, found := caller(c)
	if !found {
		return
	}

	var req services.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	_, raw, err := h.paySvc.CreatePayment(c.Request.Context(), req, uid, key)
	if err != nil {
		failErr(c, err)
		return
	}

	middleware.LoggerFrom(c).Info().RawJSON("result", raw).Msg("payment accepted")
	envelope(c, http.StatusOK, MsgPaymentCreated, raw)
}

// GetPayment godoc
// @ID          getPayment
// @Summary     Get a payment
// @Tags        Payments
// @Produce     json
// @Param       X-User-Id  header  string  true  "Caller ID (UUID)"
// @Param       id         path    string  true  "Transaction ID"  format(uuid)
// @Success     200  {object}  domain.Payment
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Router      /payments/{id} [get]
func (h *Handlers) GetPayment(c *gin.Context) {
	uid, found := caller(c)
	if !found {
		return
	}
	p, err := h.paySvc.GetPayment(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// ListPayments godoc
// @ID          listPayments
// @Summary     List payments (paginated)
// @Description Returns a page of the caller's payments, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Payments
// @Produce     json
// @Param       X-User-Id      header  string  true   "Caller ID (UUID)"
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListPaymentsResponse
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string  "Not Modified"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /payments [get]
func (h *Handlers) ListPayments(c *gin.Context) {
	ctx := c.Request.Context()
	uid, found := caller(c)
	if !found {
		return
	}
	pg := utils.ParsePage(c.Query("page"), c.Query("page_size"))

	// ETag pre-check (best effort).
	if count, maxTS, err := h.paySvc.ListStats(ctx, uid); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixNano()
		}
		etag := fmt.Sprintf(`W/"payments:%s:%d:%d"`, uid, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.paySvc.ListPayments(ctx, uid, pg.Number, pg.Size)
	if err != nil {
		failErr(c, err)
		return
	}

	totalPages := pg.TotalPages(total)
	ok(c, http.StatusOK, ListPaymentsResponse{
		Payments: items,
		Pagination: Pagination{
			Page:       pg.Number,
			PageSize:   pg.Size,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    pg.Number < totalPages,
		},
	})
}

// UpdateStatus godoc
// @ID          updatePaymentStatus
// @Summary     Advance a payment's status
// @Description Moves a payment forward (Pending → Processing → Success|Failed) and appends a PaymentStatusChanged audit event. No broker message is published.
// @Tags        Payments
// @Accept      json
// @Produce     json
// @Param       X-User-Id  header  string  true  "Caller ID (UUID)"
// @Param       id         path    string  true  "Transaction ID"  format(uuid)
// @Param       body       body    handlers.UpdateStatusRequest  true  "Target status"
// @Success     200  {object}  domain.Payment
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown status"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Not a forward move"
// @Router      /payments/{id}/status [patch]
func (h *Handlers) UpdateStatus(c *gin.Context) {
	uid, found := caller(c)
	if !found {
		return
	}

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status is required")
		return
	}
	to, valid := domain.ParseStatus(req.Status)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeValidation, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	p, err := h.paySvc.AdvanceStatus(c.Request.Context(), c.Param("id"), uid, to)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// ListEvents godoc
// @ID          listPaymentEvents
// @Summary     Payment audit trail
// @Tags        Payments
// @Produce     json
// @Param       X-User-Id  header  string  true  "Caller ID (UUID)"
// @Param       id         path    string  true  "Transaction ID"  format(uuid)
// @Success     200  {object}  handlers.ListEventsResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Router      /payments/{id}/events [get]
func (h *Handlers) ListEvents(c *gin.Context) {
	uid, found := caller(c)
	if !found {
		return
	}
	id := c.Param("id")
	events, err := h.paySvc.ListEvents(c.Request.Context(), id, uid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListEventsResponse{TransactionID: id, Events: events})
}
