package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/sociolens/internal/cache"
	"github.com/hitoshi/sociolens/internal/middleware"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store, err := cache.NewStore(t.TempDir(), 24*time.Hour, 200)
	if err != nil {
		t.Fatalf("NewStore がエラーを返した: %v", err)
	}

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	return NewRouter(&RouterDeps{
		Orchestrator: &fakeOrchestrator{result: analyzedResult(t)},
		Analyst:      &fakeAnalyst{analysis: "ok"},
		CacheStore:   store,
		Gatherer:     prometheus.NewRegistry(),
		RateLimiter:  rl,
		Logger:       newTestLogger(),
		DefaultCount: 50,
	})
}

func TestRouter_Routes(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/cache", "", http.StatusOK},
		{http.MethodPost, "/api/analyze", `{"targets": ["twitter/alice"], "query": "q"}`, http.StatusOK},
		{http.MethodGet, "/api/analyze", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nonexistent", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		var req *http.Request
		if tt.body != "" {
			req = httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
		} else {
			req = httptest.NewRequest(tt.method, tt.path, nil)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}
