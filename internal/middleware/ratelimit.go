package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	AnalyzeRate     rate.Limit    // 解析実行のレート（req/sec）。LLMコストの高い操作を別枠で絞る
	AnalyzeBurst    int           // 解析実行のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 60 req/min/host、解析実行 6 req/min/host。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(60.0 / 60.0),
		GeneralBurst:    60,
		AnalyzeRate:     rate.Limit(6.0 / 60.0),
		AnalyzeBurst:    6,
		CleanupInterval: 5 * time.Minute,
	}
}

// hostLimiter はホストごとのレートリミッターとアクセス時刻を保持する。
type hostLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はリモートホストごとのレート制限を管理する。
// API全般のレート制限と解析実行のレート制限の2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	generalMu       sync.RWMutex
	generalLimiters map[string]*hostLimiter

	analyzeMu       sync.RWMutex
	analyzeLimiters map[string]*hostLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		generalLimiters: make(map[string]*hostLimiter),
		analyzeLimiters: make(map[string]*hostLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := remoteHost(r)
			limiter := rl.getOrCreate(&rl.generalMu, rl.generalLimiters, host, rl.config.GeneralRate, rl.config.GeneralBurst)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("remote_host", host),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AnalyzeMiddleware は解析実行専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) AnalyzeMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := remoteHost(r)
			limiter := rl.getOrCreate(&rl.analyzeMu, rl.analyzeLimiters, host, rl.config.AnalyzeRate, rl.config.AnalyzeBurst)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.AnalyzeRate)
				slog.Warn("rate limit exceeded",
					slog.String("remote_host", host),
					slog.String("limit_type", "analyze"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	rl.generalMu.RLock()
	n := len(rl.generalLimiters)
	rl.generalMu.RUnlock()

	rl.analyzeMu.RLock()
	n += len(rl.analyzeLimiters)
	rl.analyzeMu.RUnlock()
	return n
}

// getOrCreate はホストのリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreate(mu *sync.RWMutex, limiters map[string]*hostLimiter, host string, r rate.Limit, burst int) *rate.Limiter {
	mu.RLock()
	hl, exists := limiters[host]
	mu.RUnlock()

	if exists {
		mu.Lock()
		hl.lastAccess = time.Now()
		mu.Unlock()
		return hl.limiter
	}

	mu.Lock()
	defer mu.Unlock()

	// ダブルチェック
	if hl, exists := limiters[host]; exists {
		hl.lastAccess = time.Now()
		return hl.limiter
	}

	limiter := rate.NewLimiter(r, burst)
	limiters[host] = &hostLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.generalMu.Lock()
	for host, hl := range rl.generalLimiters {
		if now.Sub(hl.lastAccess) > ttl {
			delete(rl.generalLimiters, host)
		}
	}
	rl.generalMu.Unlock()

	rl.analyzeMu.Lock()
	for host, hl := range rl.analyzeLimiters {
		if now.Sub(hl.lastAccess) > ttl {
			delete(rl.analyzeLimiters, host)
		}
	}
	rl.analyzeMu.Unlock()
}

// remoteHost はリクエスト元のホスト部を取り出す。
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":    "rate_limit_exceeded",
		"message": "Too many requests. Please try again later.",
	})
}
