package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func metricsRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/rooms/:room/roster", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"room": c.Param("room")})
	})
	r.POST("/rooms/:room/join", func(c *gin.Context) {
		c.Status(http.StatusNoContent) // no body, writer reports size -1
	})
	return r
}

func hit(t *testing.T, r *gin.Engine, method, target string, want int) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	if w.Code != want {
		t.Fatalf("%s %s -> %d, want %d", method, target, w.Code, want)
	}
}

func TestMetrics_LabelsUseRouteTemplate(t *testing.T) {
	r := metricsRouter()

	// Counters are process-global, so diff against the pre-test value.
	rosterBase := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/rooms/:room/roster", "200"))

	hit(t, r, http.MethodGet, "/rooms/global_chat/roster", http.StatusOK)
	hit(t, r, http.MethodGet, "/rooms/dev_room/roster", http.StatusOK)

	// Both rooms land on the same route-template label, never the raw URL.
	got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/rooms/:room/roster", "200"))
	if got != rosterBase+2 {
		t.Fatalf("route-template counter = %v, want %v", got, rosterBase+2)
	}
	if raw := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/rooms/global_chat/roster", "200")); raw != 0 {
		t.Fatalf("raw URL leaked into path label: %v", raw)
	}
}

func TestMetrics_UnmatchedRouteFallsBackToRawPath(t *testing.T) {
	r := metricsRouter()

	base := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/no-such-route", "404"))
	hit(t, r, http.MethodGet, "/no-such-route", http.StatusNotFound)
	got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/no-such-route", "404"))
	if got != base+1 {
		t.Fatalf("404 fallback counter = %v, want %v", got, base+1)
	}
}

func TestMetrics_InflightSettlesAndBodylessResponses(t *testing.T) {
	r := metricsRouter()

	// 204 with no body exercises the size == -1 branch; it must still count.
	base := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/rooms/:room/join", "204"))
	hit(t, r, http.MethodPost, "/rooms/global_chat/join", http.StatusNoContent)
	got := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/rooms/:room/join", "204"))
	if got != base+1 {
		t.Fatalf("bodyless counter = %v, want %v", got, base+1)
	}

	if inflight := testutil.ToFloat64(httpInflight); inflight != 0 {
		t.Fatalf("httpInflight = %v after requests completed, want 0", inflight)
	}
}
