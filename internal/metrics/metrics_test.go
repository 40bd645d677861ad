package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{404, "4xx"},
		{409, "4xx"},
		{422, "4xx"},
		{500, "5xx"},
		{42, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestObserveOperation(t *testing.T) {
	before := testutil.ToFloat64(OperationsTotal.WithLabelValues("reserve", OutcomeReplay))
	violations := testutil.ToFloat64(ConsistencyViolationsTotal)

	ObserveOperation("reserve", OutcomeReplay, time.Now())
	ObserveOperation("credit", OutcomeConsistency, time.Now())

	assert.Equal(t, before+1, testutil.ToFloat64(OperationsTotal.WithLabelValues("reserve", OutcomeReplay)))
	assert.Equal(t, violations+1, testutil.ToFloat64(ConsistencyViolationsTotal))
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", Handler())

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/ping", "2xx"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/ping", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/ping", "2xx")))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "credits_http_requests_total")
	assert.Contains(t, w.Body.String(), "credits_consistency_violations_total")
}
