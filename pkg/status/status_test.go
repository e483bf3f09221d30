package status

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dakota-project/evalsched/pkg/cache"
	"github.com/dakota-project/evalsched/pkg/evalcore"
	"github.com/dakota-project/evalsched/pkg/pending"
	"github.com/dakota-project/evalsched/pkg/scheduler"
)

func newTestServer() *Server {
	c := cache.New(nil, nil, nil)
	q := pending.New()
	sched := scheduler.New(scheduler.PolicyLocalSync, 0, nil, nil, q)
	return New(DefaultConfig(), c, q, sched, nil)
}

func TestHealthHandlerReturnsHealthy(t *testing.T) {
	srv := newTestServer()
	router := srv.setupRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStatusHandlerReportsQueueDepthAndSchedulerPolicy(t *testing.T) {
	c := cache.New(nil, nil, nil)
	q := pending.New()
	vars := evalcore.NewVariables([]float64{1}, nil, nil)
	set, _ := evalcore.NewActiveSet([]uint8{1}, nil)
	q.Enqueue(evalcore.Pair{EvalID: 1, InterfaceID: "rosenbrock", Vars: vars, Set: set})
	sched := scheduler.New(scheduler.PolicyLocalSync, 0, nil, nil, q)
	srv := New(DefaultConfig(), c, q, sched, nil)
	router := srv.setupRouter()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"depth":1`) {
		t.Fatalf("expected pending depth 1 in body, got %s", body)
	}
	if !strings.Contains(body, `"policy":"local_sync"`) {
		t.Fatalf("expected local-sync policy in body, got %s", body)
	}
}

func TestMetricsHandlerReportsCacheCounters(t *testing.T) {
	srv := newTestServer()
	vars := evalcore.NewVariables([]float64{2}, nil, nil)
	set, _ := evalcore.NewActiveSet([]uint8{1}, nil)
	fp := evalcore.Pair{InterfaceID: "rosenbrock", Vars: vars, Set: set}.Fingerprint()
	srv.cache.Lookup(fp) // forces a miss to be recorded
	router := srv.setupRouter()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"cache_misses":1`) {
		t.Fatalf("expected one recorded cache miss, got %s", rec.Body.String())
	}
}
