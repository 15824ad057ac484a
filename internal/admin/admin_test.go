package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sohttp/taskrun/internal/connpool"
	"github.com/sohttp/taskrun/internal/events"
	"github.com/sohttp/taskrun/internal/pool"
)

func newTestFacade(t *testing.T) *pool.Facade {
	t.Helper()
	cfg := pool.DefaultConfig("test-pool", 1, 4, 2)
	f := pool.New(cfg)
	require.NoError(t, f.Start())
	t.Cleanup(func() { _ = f.Stop() })
	return f
}

func TestHandleStatus_ListsRegisteredPools(t *testing.T) {
	s := New("127.0.0.1:0", nil)
	f := newTestFacade(t)
	s.RegisterPool("workers", f)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body["pools"], "workers")
}

func TestHandlePool_UnknownReturns404(t *testing.T) {
	s := New("127.0.0.1:0", nil)
	req := httptest.NewRequest(http.MethodGet, "/pools/missing", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePool_ReturnsSnapshot(t *testing.T) {
	s := New("127.0.0.1:0", nil)
	f := newTestFacade(t)
	s.RegisterPool("workers", f)

	_, err := f.Submit(func(ctx context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/pools/workers", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap pool.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
}

func TestHandleMetrics_ExposesRegisteredGauges(t *testing.T) {
	s := New("127.0.0.1:0", nil)
	f := newTestFacade(t)
	s.RegisterPool("workers", f)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "taskrun_pool_submitted_total")
}

func TestRegisterConnPool_RefreshWithUnknownEndpoint(t *testing.T) {
	s := New("127.0.0.1:0", nil)
	p := connpool.New(nil)
	s.RegisterConnPool(p, []struct {
		Host string
		Port uint16
	}{{Host: "127.0.0.1", Port: 9999}})

	s.refreshGauges()
}

func TestHandleEvents_WithoutHubReturns503(t *testing.T) {
	s := New("127.0.0.1:0", nil)
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRegisterEventsHub_WiresHandler(t *testing.T) {
	s := New("127.0.0.1:0", nil)
	s.RegisterEventsHub(events.NewHub())
	require.NotNil(t, s.hub)
}
