package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/banditlabs/bandgate/internal/model"
	"github.com/gin-gonic/gin"
)

func newIdempotencyRouter(store IdempotencyStore, calls *int, status int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(ContextClientKey, &model.Client{ID: "client-1"})
		c.Next()
	})
	router.Use(IdempotencyMiddleware(store))
	router.POST("/v1/conversions", func(c *gin.Context) {
		*calls++
		c.JSON(status, gin.H{"call": *calls})
	})
	return router
}

func TestIdempotencyReplaysCachedResponse(t *testing.T) {
	calls := 0
	router := newIdempotencyRouter(NewInMemIdempotencyStore(), &calls, http.StatusOK)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversions", nil)
	req.Header.Set(HeaderIdempotencyKey, "key-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || calls != 1 {
		t.Fatalf("first request: code=%d calls=%d", rec.Code, calls)
	}
	firstBody := rec.Body.String()

	req = httptest.NewRequest(http.MethodPost, "/v1/conversions", nil)
	req.Header.Set(HeaderIdempotencyKey, "key-1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if calls != 1 {
		t.Fatalf("handler ran again on a repeated key: calls=%d", calls)
	}
	if rec.Body.String() != firstBody {
		t.Fatalf("replayed body differs: %q vs %q", rec.Body.String(), firstBody)
	}
}

func TestIdempotencyDistinctKeysRunIndependently(t *testing.T) {
	calls := 0
	router := newIdempotencyRouter(NewInMemIdempotencyStore(), &calls, http.StatusOK)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversions", nil)
		req.Header.Set(HeaderIdempotencyKey, "key-"+strconv.Itoa(i))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
	}
	if calls != 3 {
		t.Fatalf("expected 3 handler runs, got %d", calls)
	}
}

func TestIdempotencyMissingKeyBypasses(t *testing.T) {
	calls := 0
	router := newIdempotencyRouter(NewInMemIdempotencyStore(), &calls, http.StatusOK)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversions", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
	}
	if calls != 2 {
		t.Fatalf("requests without a key must not be deduplicated: calls=%d", calls)
	}
}

func TestIdempotencyServerErrorsStayRetryable(t *testing.T) {
	calls := 0
	router := newIdempotencyRouter(NewInMemIdempotencyStore(), &calls, http.StatusInternalServerError)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversions", nil)
		req.Header.Set(HeaderIdempotencyKey, "key-1")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
	}
	if calls != 2 {
		t.Fatalf("5xx responses must not be cached: calls=%d", calls)
	}
}

func TestIdempotencyInFlightKeyConflicts(t *testing.T) {
	store := NewInMemIdempotencyStore()

	// Simulate a request still processing under the same key.
	if _, hit := store.GetOrLock("client-1:key-1"); hit {
		t.Fatal("fresh key reported as existing")
	}

	calls := 0
	router := newIdempotencyRouter(store, &calls, http.StatusOK)
	req := httptest.NewRequest(http.MethodPost, "/v1/conversions", nil)
	req.Header.Set(HeaderIdempotencyKey, "key-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while the first request is in flight, got %d", rec.Code)
	}
	if calls != 0 {
		t.Fatalf("handler must not run under an in-flight key: calls=%d", calls)
	}
}
