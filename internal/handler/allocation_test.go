package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banditlabs/bandgate/internal/config"
	"github.com/banditlabs/bandgate/internal/engine"
	"github.com/banditlabs/bandgate/internal/middleware"
	"github.com/banditlabs/bandgate/internal/model"
	"github.com/banditlabs/bandgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStack struct {
	router *gin.Engine
	ledger *service.LedgerService
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Experiments: []config.ExperimentConfig{{
			ID: "exp-1", Status: "active", Mode: "adaptive",
			Elements: []config.ElementConfig{{ID: "el-1", Variants: []config.VariantConfig{
				{ID: "v-a", Control: true},
				{ID: "v-b"},
			}}},
		}},
	}
	registry, err := service.NewRegistry(cfg)
	require.NoError(t, err)

	states := engine.NewMemoryStateStore(50)
	repo := service.NewMemoryLedgerRepo()
	ledger, err := service.NewLedgerService(repo, "", 64, nil, 1, time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(ledger.Close)

	verifier := service.NewVerifier(repo, states, registry.VariantIDs)
	orch := service.NewOrchestrator(registry, states, engine.NewAllocator(42), service.NewMemoryAssignmentStore(), ledger, verifier, nil)

	allocationHandler := NewAllocationHandler(orch)
	auditHandler := NewAuditHandler(orch, ledger)
	adminHandler := NewAdminHandler(orch)

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg, registry))
	{
		v1.POST("/experiments/:id/allocations", allocationHandler.Allocate)
		v1.POST("/conversions", allocationHandler.Convert)
		v1.GET("/experiments/:id/trail", auditHandler.Trail)
		v1.GET("/experiments/:id/integrity", auditHandler.Integrity)
		v1.GET("/experiments/:id/stats", auditHandler.Stats)
	}
	admin := router.Group("/v1/admin")
	admin.Use(middleware.AdminMiddleware(&config.Config{Auth: config.AuthConfig{AdminKey: "admin"}}))
	{
		admin.POST("/freeze", adminHandler.Freeze)
		admin.DELETE("/freeze", adminHandler.Unfreeze)
	}

	return &testStack{router: router, ledger: ledger}
}

func (s *testStack) do(t *testing.T, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestAllocateEndpoint(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(t, http.MethodPost, "/v1/experiments/exp-1/allocations", map[string]any{"visitor_id": "visitor-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp model.AllocateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AssignmentID)
	assert.False(t, resp.Sticky)
	assert.Contains(t, []string{"v-a", "v-b"}, resp.VariantID)

	// Same visitor again: 200 with the identical assignment.
	rec = s.do(t, http.MethodPost, "/v1/experiments/exp-1/allocations", map[string]any{"visitor_id": "visitor-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var second model.AllocateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Sticky)
	assert.Equal(t, resp.AssignmentID, second.AssignmentID)
}

func TestAllocateEndpointValidation(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(t, http.MethodPost, "/v1/experiments/exp-1/allocations", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/experiments/exp-missing/allocations", map[string]any{"visitor_id": "visitor-1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var errBody map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, "NOT_FOUND", errBody["code"])
}

func TestConvertEndpoint(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(t, http.MethodPost, "/v1/experiments/exp-1/allocations", map[string]any{"visitor_id": "visitor-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var alloc model.AllocateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alloc))

	at := alloc.AssignedAt.Add(time.Minute)
	rec = s.do(t, http.MethodPost, "/v1/conversions", map[string]any{
		"assignment_id": alloc.AssignmentID,
		"value":         "19.99",
		"at":            at.Format(time.RFC3339Nano),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var conv model.ConversionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.True(t, conv.Recorded)

	// Unknown assignments are acknowledged, not errored.
	rec = s.do(t, http.MethodPost, "/v1/conversions", map[string]any{"assignment_id": "nope"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.False(t, conv.Recorded)
}

func TestTrailAndIntegrityEndpoints(t *testing.T) {
	s := newTestStack(t)

	for _, v := range []string{"a", "b", "c"} {
		rec := s.do(t, http.MethodPost, "/v1/experiments/exp-1/allocations", map[string]any{"visitor_id": "visitor-" + v})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	s.ledger.Flush()

	rec := s.do(t, http.MethodGet, "/v1/experiments/exp-missing/trail", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "trail must 404 like the other audit reads")

	rec = s.do(t, http.MethodGet, "/v1/experiments/exp-1/trail?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trail struct {
		Records []model.AuditRecord `json:"records"`
		Limit   int                 `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	assert.Len(t, trail.Records, 2)
	assert.Equal(t, 2, trail.Limit)

	rec = s.do(t, http.MethodGet, "/v1/experiments/exp-1/integrity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report model.IntegrityReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Clean())
	assert.Equal(t, 3, report.RecordCount)

	rec = s.do(t, http.MethodGet, "/v1/experiments/exp-1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats model.LedgerStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.TotalDecisions)
	assert.True(t, stats.CountsConsistent)
}

func TestFreezeEndpointRequiresAdminKey(t *testing.T) {
	s := newTestStack(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/freeze", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/admin/freeze", nil)
	req.Header.Set(middleware.HeaderAdminKey, "admin")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Frozen engine refuses new allocations with 503.
	out := s.do(t, http.MethodPost, "/v1/experiments/exp-1/allocations", map[string]any{"visitor_id": "visitor-frozen"})
	assert.Equal(t, http.StatusServiceUnavailable, out.Code)

	req = httptest.NewRequest(http.MethodDelete, "/v1/admin/freeze", nil)
	req.Header.Set(middleware.HeaderAdminKey, "admin")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
