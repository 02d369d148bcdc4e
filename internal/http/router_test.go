package httpapi

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-payments-backend/internal/config"
	"github.com/tbourn/go-payments-backend/internal/domain"
	"github.com/tbourn/go-payments-backend/internal/http/middleware"
	"github.com/tbourn/go-payments-backend/internal/repo"
)

const caller = "3f2b8c1e-7d4a-4e5b-9c6d-1a2b3c4d5e6f"

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:routerdb_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig(base string, origins ...string) config.Config {
	return config.Config{
		APIBasePath: base,
		RateRPS:     100,
		RateBurst:   10,
		CORS:        config.CORSConfig{AllowedOrigins: origins},
		Security:    config.SecurityConfig{EnableHSTS: false},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), testConfig("/api/v1"))

	// /health works
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header to be set")
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_SwaggerDoc(t *testing.T) {
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), testConfig("/api/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /swagger/doc.json = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{`"/payments/{id}/events"`, `"basePath": "/api/v1"`, `"createPayment"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("doc.json missing %s", want)
		}
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), testConfig("/api/v2", "http://example.com"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestRegisterRoutes_PaymentIntakeEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t)
	RegisterRoutes(r, db, testConfig("/api/v1"))

	post := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments",
			bytes.NewBufferString(`{"amount":"99.99","currency":"GBP","providerId":7}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.HeaderUserID, caller)
		if key != "" {
			req.Header.Set(middleware.HeaderIdempotencyKey, key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	// Scenario: missing Idempotency-Key is a plain-text 400.
	if w := post(""); w.Code != http.StatusBadRequest || w.Body.String() != middleware.MsgMissingKey {
		t.Fatalf("missing key: %d %q", w.Code, w.Body.String())
	}

	w1 := post("order-42")
	if w1.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w1.Code, w1.Body.String())
	}
	w2 := post("order-42")
	if w2.Code != http.StatusOK || w2.Body.String() != w1.Body.String() {
		t.Fatalf("replay: %d %s", w2.Code, w2.Body.String())
	}

	var body struct {
		Data struct {
			TransactionID string `json:"transactionId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w1.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}

	var entries []domain.OutboxEntry
	if err := db.Find(&entries).Error; err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(entries) != 1 || entries[0].TransactionID != body.Data.TransactionID || entries[0].Status != domain.StatusPending {
		t.Fatalf("unexpected outbox: %+v", entries)
	}

	// Read back through the mounted group.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/"+body.Data.TransactionID, nil)
	req.Header.Set(middleware.HeaderUserID, caller)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
}

func TestRegisterRoutes_MalformedIdempotencyKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), testConfig("/"))

	req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewBufferString(`{}`))
	req.Header.Set(middleware.HeaderUserID, caller)
	req.Header.Set(middleware.HeaderIdempotencyKey, strings.Repeat("k", middleware.DefaultMaxKeyLen+1))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest || w.Body.String() != middleware.MsgInvalidKey {
		t.Fatalf("expected plain-text 400, got %d %q", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_GzipWhenAccepted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), testConfig("/"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip response, headers=%v", w.Header())
	}
	zr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	b, _ := io.ReadAll(zr)
	if !bytes.Contains(b, []byte(`"ok"`)) {
		t.Fatalf("unexpected body %q", b)
	}
}

func Test_completedLookup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	lookup := completedLookup(db)

	if done, err := lookup(ctx, caller, "k1"); err != nil || done {
		t.Fatalf("miss: %v %v", done, err)
	}

	if _, err := repo.CreateIdempotency(ctx, db, "k1", caller, "h", time.Now().UTC()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if done, _ := lookup(ctx, caller, "k1"); done {
		t.Fatal("in-flight claim must not count as completed")
	}

	if ok, err := repo.CompleteIdempotency(ctx, db, "k1", caller, `{"ok":true}`, time.Now().UTC()); err != nil || !ok {
		t.Fatalf("complete: %v %v", ok, err)
	}
	if done, err := lookup(ctx, caller, "k1"); err != nil || !done {
		t.Fatalf("hit: %v %v", done, err)
	}

	sqlDB, _ := db.DB()
	_ = sqlDB.Close()
	if _, err := lookup(ctx, caller, "k1"); err == nil {
		t.Fatal("expected error on closed db")
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}
