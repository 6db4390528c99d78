package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{101, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{304, "3xx"},
		{403, "4xx"},
		{413, "4xx"},
		{429, "4xx"},
		{503, "5xx"},
		{0, "other"},
		{700, "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusClass(tt.code), "code %d", tt.code)
	}
}

func newRouter(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())
	r.GET("/api/disputes/:id", func(c *gin.Context) {
		assert.Equal(t, float64(1), testutil.ToFloat64(HTTPInFlight))
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	return r
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := newRouter(t)
	series := HTTPRequestsTotal.WithLabelValues("GET", "/api/disputes/:id", "2xx")
	before := testutil.ToFloat64(series)

	for _, id := range []string{"dsp_1", "dsp_2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/disputes/"+id, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, before+2, testutil.ToFloat64(series))
	assert.Equal(t, float64(0), testutil.ToFloat64(HTTPInFlight))
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	r := newRouter(t)
	series := HTTPRequestsTotal.WithLabelValues("GET", unmatchedRoute, "4xx")
	before := testutil.ToFloat64(series)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/wp-admin/install.php", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(series))
}

func TestHandler_ExportsSeries(t *testing.T) {
	r := newRouter(t)
	RealtimeEventsTotal.WithLabelValues("bridge").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{
		"mediation_active_websocket_clients",
		"mediation_http_requests_in_flight",
		`mediation_realtime_events_total{source="bridge"}`,
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}

func TestRegisterDB_Idempotent(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://localhost/unused?sslmode=disable")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RegisterDB(db, "metrics_test"))
	require.NoError(t, RegisterDB(db, "metrics_test"))
}
