package debugserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"distbuildctl/internal/adminauth"
)

func testSources() Sources {
	return Sources{
		Workers: func() []WorkerSnapshot {
			return []WorkerSnapshot{{Name: "worker-a:4000", State: "building"}}
		},
		Jobs: func() []JobSnapshot {
			return []JobSnapshot{{Basename: "key.chunk.foo", Initiators: []string{"req-1"}, IsBuilding: true}}
		},
	}
}

func TestMetrics_IsNotGuarded(t *testing.T) {
	guard := adminauth.New("secret", time.Hour)
	srv := New(":0", guard, testSources())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected /metrics to be reachable without a token, got %d", rec.Code)
	}
}

func TestDebugWorkers_RejectsMissingToken(t *testing.T) {
	guard := adminauth.New("secret", time.Hour)
	srv := New(":0", guard, testSources())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/workers", nil)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestDebugWorkers_ReturnsSnapshotWithValidToken(t *testing.T) {
	guard := adminauth.New("secret", time.Hour)
	srv := New(":0", guard, testSources())

	token, err := guard.IssueToken("operator-1")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/workers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d: %s", rec.Code, rec.Body.String())
	}

	var workers []WorkerSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &workers); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(workers) != 1 || workers[0].Name != "worker-a:4000" {
		t.Errorf("unexpected workers payload: %+v", workers)
	}
}

func TestDebugJobs_ReturnsSnapshotWithValidToken(t *testing.T) {
	guard := adminauth.New("secret", time.Hour)
	srv := New(":0", guard, testSources())

	token, err := guard.IssueToken("operator-1")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d", rec.Code)
	}

	var jobs []JobSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Basename != "key.chunk.foo" {
		t.Errorf("unexpected jobs payload: %+v", jobs)
	}
}

func TestDebugVars_ReturnsOkWithValidToken(t *testing.T) {
	guard := adminauth.New("secret", time.Hour)
	srv := New(":0", guard, testSources())

	token, err := guard.IssueToken("operator-1")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/vars", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
