package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/sociolens/internal/cache"
	"github.com/hitoshi/sociolens/internal/metrics"
	"github.com/hitoshi/sociolens/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Orchestrator OrchestratorInterface
	Analyst      AnalystInterface
	CacheStore   *cache.Store
	Gatherer     prometheus.Gatherer
	RateLimiter  *middleware.RateLimiter
	Logger       *slog.Logger
	DefaultCount int
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	// --- 監視系ルート（レート制限の対象外） ---
	r.Get("/health", Health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	analyzeHandler := NewAnalyzeHandler(deps.Orchestrator, deps.Analyst, deps.Logger, deps.DefaultCount)
	cacheHandler := NewCacheHandler(deps.CacheStore)

	// --- APIルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// POST /api/analyze - 解析実行（LLMコストの高い操作は別枠で絞る）
		r.With(deps.RateLimiter.AnalyzeMiddleware()).Post("/api/analyze", analyzeHandler.Analyze)

		// キャッシュ状況
		r.Get("/api/cache", cacheHandler.List)
	})

	return r
}
