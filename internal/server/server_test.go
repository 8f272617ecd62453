package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/db"
	"github.com/mehmetymw/fhirsink/internal/metrics"
	"github.com/mehmetymw/fhirsink/internal/pipeline"
)

func TestHealthzReportsPipelineAndPool(t *testing.T) {
	s := New(":0", "graph",
		func() pipeline.Status { return pipeline.Status{Running: true, Processed: 12, LastSeq: 99} },
		func() db.Stats { return db.Stats{TotalConns: 3, AcquiredConns: 1, MaxConns: 10} },
		zap.NewNop())

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	var body healthz
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Mode != "graph" || body.Pipeline.Processed != 12 || body.Pipeline.LastSeq != 99 {
		t.Fatalf("body %+v", body)
	}
	if body.Pool == nil || body.Pool.MaxConns != 10 {
		t.Fatalf("pool %+v", body.Pool)
	}
}

func TestHealthzUnavailableWhenStopped(t *testing.T) {
	s := New(":0", "vector", func() pipeline.Status { return pipeline.Status{} }, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), `"pool"`) {
		t.Fatalf("pool stats without a pool: %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.RecordMessage("Patient", metrics.OutcomeOK, 0)

	s := New(":0", "graph", func() pipeline.Status { return pipeline.Status{Running: true} }, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fhirsink_messages_total") {
		t.Fatal("messages counter not exported")
	}
}
