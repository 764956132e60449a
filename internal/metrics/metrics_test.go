package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(Middleware())
	router.GET("/v1/transactions/:id", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/txn_1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	mf := gather(t, "replypay_http_requests_total")
	if mf == nil {
		t.Fatal("replypay_http_requests_total not registered")
	}

	// Labeled by route pattern, not the concrete path.
	found := false
	for _, m := range mf.GetMetric() {
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["path"] == "/v1/transactions/:id" && labels["status"] == "2xx" {
			found = true
			if m.GetCounter().GetValue() < 1 {
				t.Errorf("counter = %v, want >= 1", m.GetCounter().GetValue())
			}
		}
		if labels["path"] == "/v1/transactions/txn_1" {
			t.Error("concrete path leaked into metric labels")
		}
	}
	if !found {
		t.Error("no sample for the route pattern")
	}
}

func TestHandlerServesExposition(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/metrics", Handler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Error("empty exposition body")
	}
}

func TestStatusBucket(t *testing.T) {
	tests := map[int]string{
		102: "1xx",
		200: "2xx",
		201: "2xx",
		301: "3xx",
		404: "4xx",
		500: "5xx",
		502: "5xx",
	}
	for code, want := range tests {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %s, want %s", code, got, want)
		}
	}
}
