// Package httpapi wires the HTTP transport (Gin) to the payment services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-payments-backend/docs"
	"github.com/tbourn/go-payments-backend/internal/config"
	"github.com/tbourn/go-payments-backend/internal/http/handlers"
	"github.com/tbourn/go-payments-backend/internal/http/middleware"
	"github.com/tbourn/go-payments-backend/internal/repo"
	"github.com/tbourn/go-payments-backend/internal/services"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// completedLookup reports whether (callerID, key) has a stored result, so the
// validator can let replays bypass rate limiting.
func completedLookup(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, callerID, key string) (bool, error) {
		rec, err := repo.GetIdempotency(ctx, db, key, callerID)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return rec.Completed(), nil
	}
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the payment API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID and CallerID: correlation id and canonical caller
//  3. Logger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter, gzip
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per caller/IP, bypass on replay)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID(), middleware.CallerID())

	// 3) Structured logging with redaction
	r.Use(middleware.Logger(middleware.LogOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit and response compression
	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, completedLookup(db)))

	// 8) Token-bucket rate limiter per caller/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByCallerOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", middleware.HeaderUserID, middleware.HeaderIdempotencyKey, "If-None-Match"}
	exposeHeaders := []string{"X-Request-ID", "ETag", middleware.HeaderIdempotencyReplayed}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs
	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Dependency injection: services ← db
	idemSvc := services.NewIdempotencyService(db, cfg.Idempotency)
	paySvc := &services.PaymentService{DB: db, Idempotency: idemSvc}
	h := handlers.New(paySvc)

	guard := middleware.IdempotencyGuard(idemSvc.TryBeginRequest, middleware.GuardOptions{
		OnReplay:   handlers.ReplayCreated,
		OnConflict: handlers.InFlight,
	})

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/payments", guard, h.CreatePayment)
		api.GET("/payments", h.ListPayments)
		api.GET("/payments/:id", h.GetPayment)
		api.PATCH("/payments/:id/status", h.UpdateStatus)
		api.GET("/payments/:id/events", h.ListEvents)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
