// Package app はアプリケーションの初期化・依存関係のワイヤリング・
// サブコマンドのディスパッチを提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/sociolens/internal/cache"
	"github.com/hitoshi/sociolens/internal/config"
	"github.com/hitoshi/sociolens/internal/engine"
	"github.com/hitoshi/sociolens/internal/handler"
	"github.com/hitoshi/sociolens/internal/llm"
	"github.com/hitoshi/sociolens/internal/logger"
	"github.com/hitoshi/sociolens/internal/media"
	"github.com/hitoshi/sociolens/internal/metrics"
	"github.com/hitoshi/sociolens/internal/middleware"
	"github.com/hitoshi/sociolens/internal/platform"
	"github.com/hitoshi/sociolens/internal/report"
	"github.com/hitoshi/sociolens/internal/security"
)

// ErrRateLimited はバッチ実行がレート制限で不完全に終わったことを示す。
// mainはこのエラーを専用の終了コードへ写像する。
var ErrRateLimited = errors.New("rate limited")

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// ログはstderrへ出力する（stdoutは解析結果の出力用に予約）。
func Init() (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(nil, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(nil, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を、wには解析結果の出力先（通常はos.Stdout）を渡す。
func Run(w io.Writer, args []string) error {
	cmd, rest := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	opts, err := ParseOptions(rest, os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := Init()
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("offline", opts.Offline),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandPurge:
		return runPurge(cfg, opts, w)
	case CommandStdin:
		return runStdin(cfg, opts, os.Stdin, w)
	default:
		return runInteractive(cfg, opts, os.Stdin, w)
	}
}

// runtime は1実行分の依存関係一式。
type runtime struct {
	cfg           *config.Config
	store         *cache.Store
	mediaStore    *media.Store
	analysisCache *media.AnalysisCache
	registry      *platform.Registry
	llmClient     *llm.Client
	engine        *engine.Engine
	saver         *report.Saver
}

// buildRuntime は設定から全コンポーネントをワイヤリングする。
// 認証情報のないプラットフォームのアダプターは登録されない。
func buildRuntime(cfg *config.Config, collector metrics.MetricsCollector) (*runtime, error) {
	log := slog.Default()

	store, err := cache.NewStore(filepath.Join(cfg.DataDir, "cache"), cfg.CacheTTL, cfg.MaxCacheItems)
	if err != nil {
		return nil, err
	}

	ssrfGuard := security.NewSSRFGuard()
	extractor := security.NewTextExtractor()

	mediaStore, err := media.NewStore(
		filepath.Join(cfg.DataDir, "media"),
		ssrfGuard, log, cfg.FetchTimeout, cfg.MediaMaxSize, cfg.MediaRate,
	)
	if err != nil {
		return nil, err
	}
	analysisCache := media.NewAnalysisCache(mediaStore.Dir(), cfg.ImageAnalysisModel, log)

	saver, err := report.NewSaver(filepath.Join(cfg.DataDir, "outputs"))
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.FetchTimeout}

	var adapters []platform.Adapter

	// HackerNewsは認証不要のため常に利用可能
	adapters = append(adapters, platform.NewHackerNewsAdapter(httpClient, log, extractor))

	if cfg.HasTwitter() {
		adapters = append(adapters, platform.NewTwitterAdapter(httpClient, log, cfg.TwitterBearerToken))
	}
	if cfg.HasReddit() {
		adapters = append(adapters, platform.NewRedditAdapter(httpClient, log, cfg.RedditClientID, cfg.RedditClientSecret, cfg.RedditUserAgent))
	}
	if cfg.HasBluesky() {
		adapters = append(adapters, platform.NewBlueskyAdapter(httpClient, log, cfg.BlueskyIdentifier, cfg.BlueskyAppSecret))
	}

	instances, err := cfg.LoadMastodonInstances()
	if err != nil {
		return nil, err
	}
	if len(instances) > 0 {
		adapters = append(adapters, platform.NewMastodonAdapter(httpClient, log, extractor, instances))
	}

	registry := platform.NewRegistry(adapters...)
	slog.Info("platform adapters registered",
		slog.Int("count", len(registry.Platforms())),
	)

	llmClient := llm.NewClient(cfg.LLMAPIKey, cfg.LLMAPIBaseURL, cfg.AnalysisModel, cfg.ImageAnalysisModel, collector, log)

	eng := engine.NewEngine(
		registry, store, mediaStore, analysisCache,
		llmClient, collector, log, cfg.FetchMaxConcurrent,
	)

	return &runtime{
		cfg:           cfg,
		store:         store,
		mediaStore:    mediaStore,
		analysisCache: analysisCache,
		registry:      registry,
		llmClient:     llmClient,
		engine:        eng,
		saver:         saver,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	rt, err := buildRuntime(cfg, collector)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Orchestrator: rt.engine,
		Analyst:      rt.llmClient,
		CacheStore:   rt.store,
		Gatherer:     registry,
		RateLimiter:  rateLimiter,
		Logger:       slog.Default(),
		DefaultCount: cfg.DefaultFetchCount,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // LLM解析は長時間かかる
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runPurge はキャッシュ削除を実行する。
// スコープ未指定の場合はallとして扱う。各スコープは独立して削除できる。
func runPurge(cfg *config.Config, opts *Options, w io.Writer) error {
	scopes := opts.Args
	if len(scopes) == 0 {
		scopes = []string{"all"}
	}

	dirs := map[string]string{
		"cache":   filepath.Join(cfg.DataDir, "cache"),
		"media":   filepath.Join(cfg.DataDir, "media"),
		"outputs": filepath.Join(cfg.DataDir, "outputs"),
	}

	for _, scope := range scopes {
		var targets []string
		switch scope {
		case "all":
			targets = []string{dirs["cache"], dirs["media"], dirs["outputs"]}
		case "cache", "media", "outputs":
			targets = []string{dirs[scope]}
		default:
			return fmt.Errorf("unknown purge scope %q (expected cache, media, outputs, or all)", scope)
		}

		for _, dir := range targets {
			if err := cache.Purge(dir); err != nil {
				return err
			}
			slog.Info("purged", slog.String("dir", dir))
			fmt.Fprintf(w, "purged %s\n", dir)
		}
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
