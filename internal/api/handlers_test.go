package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-titledb/internal/coordinator"
	"distributed-titledb/internal/gateway"
	"distributed-titledb/internal/gateway/gatewaytest"
	"distributed-titledb/internal/harness"
	"distributed-titledb/internal/recovery"
	"distributed-titledb/internal/replog"
	"distributed-titledb/internal/seed"
)

func newTestRouter(fake *gatewaytest.Fake) *gin.Engine {
	gin.SetMode(gin.TestMode)

	rl := replog.New(fake, 5)
	coord := coordinator.New(fake, rl, gateway.ReadCommitted)
	rec := recovery.New(fake, rl, 10*time.Second)
	h := harness.New(fake, gateway.ReadCommitted)
	s := seed.New(fake)

	router := gin.New()
	NewHandler(fake, coord, rec, h, s, gateway.ReadCommitted).Register(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestInsertAndGetTitle(t *testing.T) {
	fake := gatewaytest.NewFake()
	router := newTestRouter(fake)

	w := doJSON(t, router, http.MethodPost, "/titles", map[string]any{
		"id": "tt1", "kind": "movie", "title": "A", "year": 2020, "runtime": 90,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res coordinator.WriteResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, gateway.FragA, res.PrimaryNode)
	assert.Equal(t, gateway.Central, res.ReplicatedTo)

	w = doJSON(t, router, http.MethodGet, "/titles/tt1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/titles/ttX", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInsertValidation(t *testing.T) {
	router := newTestRouter(gatewaytest.NewFake())

	w := doJSON(t, router, http.MethodPost, "/titles", map[string]any{"id": "tt1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateRejectsUnknownIsolation(t *testing.T) {
	router := newTestRouter(gatewaytest.NewFake())

	w := doJSON(t, router, http.MethodPut, "/titles/tt1", map[string]any{
		"fields": map[string]any{"runtime": 95}, "isolation": "CHAOS",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWriteDuringTotalOutageIs503(t *testing.T) {
	fake := gatewaytest.NewFake()
	router := newTestRouter(fake)

	fake.SetDown(gateway.Central, true)
	fake.SetDown(gateway.FragA, true)

	w := doJSON(t, router, http.MethodPost, "/titles", map[string]any{
		"id": "tt1", "kind": "movie", "title": "A",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRecoveryEndpoints(t *testing.T) {
	fake := gatewaytest.NewFake()
	router := newTestRouter(fake)

	w := doJSON(t, router, http.MethodGet, "/recovery/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var summary recovery.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 0, summary.TotalPending)

	w = doJSON(t, router, http.MethodPost, "/recovery/fragA", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/recovery/node9", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNodesHealth(t *testing.T) {
	fake := gatewaytest.NewFake()
	router := newTestRouter(fake)
	fake.SetDown(gateway.FragB, true)

	w := doJSON(t, router, http.MethodGet, "/nodes/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]gateway.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.True(t, out["central"].Online)
	assert.False(t, out["fragB"].Online)
}

func TestFailureDrillEndpoint(t *testing.T) {
	router := newTestRouter(gatewaytest.NewFake())

	w := doJSON(t, router, http.MethodGet, "/test/failure/fragment-to-central", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/test/failure/unknown", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
