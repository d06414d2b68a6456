package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/jddunn/safeos/pkg/logging"
	"github.com/jddunn/safeos/pkg/monitoring"
)

func TestSetupServiceRouter(t *testing.T) {
	logger := logging.NewTestLogger()
	hc := monitoring.NewHealthChecker("warden", "v1")
	mc := monitoring.NewMetricsCollector("warden_server_test", "v1", "abc")
	r := SetupServiceRouter(logger, "warden", hc, mc)
	r.GET("/ping", func(c *gin.Context) { c.String(200, "pong") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/ping", nil)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected healthy 200, got %d", w.Code)
	}
}

func TestSetupRouterWithService_Health(t *testing.T) {
	logger := logging.NewTestLogger()
	r := SetupRouterWithService(logger, "warden")

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
