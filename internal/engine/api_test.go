package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zsiec/stitch/internal/asset"
)

func TestAPIListAndGetJobs(t *testing.T) {
	t.Parallel()
	manager := NewManager(nil)
	job := newIdleJob(t)
	manager.Add(job)

	handler := NewAPIHandler(APIConfig{
		Manager:  manager,
		Registry: asset.NewRegistry(nil),
		Metrics:  NewMetrics(),
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var list []JobStats
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != job.ID() {
		t.Errorf("list: got %+v, want the registered job", list)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var stats JobStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.State != "running" {
		t.Errorf("state: got %q, want running", stats.State)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status: got %d, want 404", rec.Code)
	}
}

func TestAPIMetricsEndpoint(t *testing.T) {
	t.Parallel()
	handler := NewAPIHandler(APIConfig{
		Manager:  NewManager(nil),
		Registry: asset.NewRegistry(nil),
		Metrics:  NewMetrics(),
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics body is empty")
	}
}
