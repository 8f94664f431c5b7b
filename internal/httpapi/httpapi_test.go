package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/collabdoc-server/internal/bus"
	"github.com/Polqt/collabdoc-server/internal/cache"
	"github.com/Polqt/collabdoc-server/internal/memory"
	"github.com/Polqt/collabdoc-server/internal/registry"
	"github.com/Polqt/collabdoc-server/internal/sessionstore"
	"github.com/rs/zerolog"
)

func testLog() zerolog.Logger { return zerolog.Nop() }

func newTestServer(t *testing.T, busUp bool) (*gin.Engine, *bus.MemoryClient) {
	gin.SetMode(gin.TestMode)
	client := bus.NewMemoryClient(bus.NewMemoryBroker())
	client.SetUp(busUp)

	reg := registry.New(func(ctx context.Context, name string) (registry.Document, error) {
		return nil, nil
	}, time.Minute, testLog())

	cacheClient, err := cache.New(cache.Config{Enabled: false})
	require.NoError(t, err)
	sessions := sessionstore.New(cacheClient)

	mem := memory.New(reg, memory.Config{HeapLimitBytes: 1 << 30}, cacheClient, testLog())

	router := gin.New()
	New(client, reg, mem, sessions, testLog()).Register(router)
	return router, client
}

func TestHealthReportsBusUp(t *testing.T) {
	router, _ := newTestServer(t, true)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestHealthReportsBusDown(t *testing.T) {
	router, _ := newTestServer(t, false)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestStatsReturnsBusCounters(t *testing.T) {
	router, client := newTestServer(t, true)
	_ = client.Publish(context.Background(), "doc:x:updates", bus.Message{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "messagesSent")
}

func TestRevokeSessionRequiresID(t *testing.T) {
	router, _ := newTestServer(t, true)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/sessions//revoke", nil)
	router.ServeHTTP(w, req)

	assert.NotEqual(t, http.StatusOK, w.Code)
}
