// Package engine はフェッチ解決の状態機械と並列オーケストレーションを提供する。
// ターゲットごとにキャッシュ状態（なし/鮮度内/期限切れ）とモード
// （通常/オフライン/リフレッシュ/追加取得）を組み合わせて動作を決定し、
// semaphoreパターンで並列フェッチを実行する。
package engine

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/sociolens/internal/cache"
	"github.com/hitoshi/sociolens/internal/media"
	"github.com/hitoshi/sociolens/internal/metrics"
	"github.com/hitoshi/sociolens/internal/model"
	"github.com/hitoshi/sociolens/internal/platform"
)

// Status はターゲット1件の処理結果の分類。
type Status string

const (
	// StatusAnalyzed はデータが解析ペイロードに含まれたことを表す。
	StatusAnalyzed Status = "analyzed"
	// StatusSkipped はエラーによりターゲットが除外されたことを表す。
	StatusSkipped Status = "skipped"
	// StatusRateLimited はレート制限によりフェッチを中断したことを表す。
	// 部分データは保存されず、キャッシュは変更されない。
	StatusRateLimited Status = "rate_limited"
)

// ImageAnalyzer は画像のテキスト記述を生成する。
type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, localPath string) (string, error)
}

// MediaAnalysis は1メディアの解析結果。
type MediaAnalysis struct {
	URL         string
	LocalPath   string
	Description string
}

// Outcome はターゲット1件の処理結果。
type Outcome struct {
	Target   model.Target
	Status   Status
	Reason   string
	WaitHint string

	Record        *model.CachedRecord
	FromCache     bool
	MediaAnalyses []MediaAnalysis
}

// Request はオーケストレーターへの1実行分の指示。
type Request struct {
	Targets []model.Target
	Plan    model.FetchPlan
	Mode    model.FetchMode
	Offline bool
	// NoMedia はメディアダウンロードと画像解析を省略する。
	NoMedia bool
}

// Result は全ターゲットの処理結果。OutcomesはRequest.Targetsと同じ順序。
type Result struct {
	Outcomes  []Outcome
	StartedAt time.Time
}

// Analyzed は解析対象となったターゲットの結果のみを返す。
func (r *Result) Analyzed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusAnalyzed {
			out = append(out, o)
		}
	}
	return out
}

// HasRateLimited はレート制限で中断されたターゲットがあるかを返す。
func (r *Result) HasRateLimited() bool {
	for _, o := range r.Outcomes {
		if o.Status == StatusRateLimited {
			return true
		}
	}
	return false
}

// maxMediaPerTarget は1ターゲットあたりの解析対象メディア上限。
// 解析コストとペイロードサイズを抑えるための運用上の上限。
const maxMediaPerTarget = 10

// Engine はフェッチ・キャッシュ・メディア解析のオーケストレーター。
type Engine struct {
	registry       *platform.Registry
	store          *cache.Store
	mediaStore     *media.Store
	analysisCache  *media.AnalysisCache
	analyzer       ImageAnalyzer
	collector      metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
}

// NewEngine はEngineの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値5を使用する。
// analyzerがnilの場合、画像解析はスキップされる（ダウンロードは行う）。
func NewEngine(
	registry *platform.Registry,
	store *cache.Store,
	mediaStore *media.Store,
	analysisCache *media.AnalysisCache,
	analyzer ImageAnalyzer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
) *Engine {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Engine{
		registry:       registry,
		store:          store,
		mediaStore:     mediaStore,
		analysisCache:  analysisCache,
		analyzer:       analyzer,
		collector:      collector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Run は全ターゲットを並列に処理し、結果を入力順で返す。
// ターゲット間の失敗は波及しない。あるプラットフォームのレート制限が
// 他プラットフォームのフェッチを止めることはない。
func (e *Engine) Run(ctx context.Context, req Request) *Result {
	start := time.Now()
	outcomes := make([]Outcome, len(req.Targets))

	// オフラインでの追加取得は意味を持たないため、ディスパッチ前に拒否する
	if req.Offline && req.Mode == model.ModeLoadMore {
		for i, t := range req.Targets {
			outcomes[i] = Outcome{
				Target: t,
				Status: StatusSkipped,
				Reason: "load more requires network access (offline mode active)",
			}
		}
		return &Result{Outcomes: outcomes, StartedAt: start}
	}

	sem := make(chan struct{}, e.maxConcurrency)
	var wg sync.WaitGroup

	for i, target := range req.Targets {
		wg.Add(1)
		sem <- struct{}{}

		go func(idx int, t model.Target) {
			defer wg.Done()
			defer func() { <-sem }()

			outcomes[idx] = e.processTarget(ctx, t, req)
		}(i, target)
	}

	wg.Wait()

	e.logger.Info("fetch cycle completed",
		slog.Int("targets", len(req.Targets)),
		slog.String("mode", req.Mode.String()),
		slog.Bool("offline", req.Offline),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return &Result{Outcomes: outcomes, StartedAt: start}
}

// processTarget はターゲット1件の状態機械を実行する。
func (e *Engine) processTarget(ctx context.Context, t model.Target, req Request) Outcome {
	adapter, ok := e.registry.Get(t.Platform)
	if !ok {
		return Outcome{
			Target: t,
			Status: StatusSkipped,
			Reason: "platform not configured (missing credentials)",
		}
	}

	unlock := e.store.Lock(t)
	defer unlock()

	record, fromCache, err := e.resolveRecord(ctx, t, adapter, req)
	if err != nil {
		return e.outcomeFromError(t, err)
	}
	if record == nil || len(record.Items) == 0 {
		e.collector.RecordFetchOutcome(string(t.Platform), string(StatusSkipped))
		reason := "no items available"
		if req.Offline {
			reason = "no cached data (offline mode active)"
		}
		return Outcome{Target: t, Status: StatusSkipped, Reason: reason}
	}

	outcome := Outcome{Target: t, Status: StatusAnalyzed, Record: record, FromCache: fromCache}
	if !req.NoMedia {
		outcome.MediaAnalyses = e.processMedia(ctx, t, adapter, record, req.Offline)
	}

	e.collector.RecordFetchOutcome(string(t.Platform), string(StatusAnalyzed))
	return outcome
}

// resolveRecord はキャッシュ状態とモードから使用するレコードを決定する。
// ネットワークフェッチが発生した場合はマージ済みレコードを書き戻し、
// キャッシュだけで解決した場合は fromCache=true を返す。
func (e *Engine) resolveRecord(ctx context.Context, t model.Target, adapter platform.Adapter, req Request) (rec *model.CachedRecord, fromCache bool, err error) {
	existing, err := e.store.Read(t)
	if err != nil {
		// 破損レコードはキャッシュなしとして継続する
		var corrupt *model.CacheCorruptError
		if !errors.As(err, &corrupt) {
			return nil, false, err
		}
		existing = nil
	}

	count := req.Plan.CountFor(t)
	now := time.Now().UTC()

	if req.Offline {
		// オフラインでは鮮度を問わない。キャッシュがデータソースのすべて。
		if existing != nil {
			e.collector.RecordCacheHit(string(t.Platform))
		}
		return existing, true, nil
	}

	sinceID := ""
	switch req.Mode {
	case model.ModeRefresh:
		// キャッシュを無視した完全再フェッチ。マージ基盤も破棄する。
		existing = nil
	case model.ModeLoadMore:
		if existing != nil {
			count += len(existing.Items)
		}
	default:
		if e.store.IsFresh(existing, now) && existing.ItemCountRequested >= count {
			e.collector.RecordCacheHit(string(t.Platform))
			e.logger.Debug("serving from fresh cache",
				slog.String("target", t.String()),
				slog.Int("items", len(existing.Items)),
			)
			return existing, true, nil
		}
		// 期限切れキャッシュは増分フェッチの基点になる
		sinceID = existing.NewestID()
	}

	e.collector.RecordCacheMiss(string(t.Platform))

	fetchStart := time.Now()
	result, err := adapter.Fetch(ctx, t, count, sinceID)
	e.collector.RecordFetchLatency(string(t.Platform), time.Since(fetchStart))
	if err != nil {
		// レート制限・エラー時は部分データを保存しない。キャッシュは前の状態のまま。
		return nil, false, err
	}

	merged := e.store.Merge(existing, result.Items, time.Now().UTC(), count)
	if result.UserInfo != nil {
		merged.UserInfo = result.UserInfo
	}

	if err := e.store.Write(t, merged); err != nil {
		// 書き込み失敗でもフェッチ結果自体は解析に使える
		e.logger.Error("cache write failed",
			slog.String("target", t.String()),
			slog.String("error", err.Error()),
		)
	}
	return merged, false, nil
}

// mediaConcurrency は1ターゲット内のメディア処理の並列数。
// メディアストア側のレート制限が下流の実効ペースを決める。
const mediaConcurrency = 4

// processMedia はレコード内のメディアをダウンロードし、画像は解析記述を付ける。
// ターゲット内のメディアは並列に処理され、結果は出現順で返る。
// メディア単位の失敗はターゲットの結果に影響しない。
func (e *Engine) processMedia(ctx context.Context, t model.Target, adapter platform.Adapter, record *model.CachedRecord, offline bool) []MediaAnalysis {
	authHeader := ""
	if ma, ok := adapter.(platform.MediaAuthorizer); ok {
		authHeader = ma.MediaAuthorization()
	}

	var urls []string
	seen := make(map[string]struct{})
collect:
	for _, item := range record.Items {
		for _, rawURL := range item.MediaURLs {
			if len(urls) >= maxMediaPerTarget {
				break collect
			}
			if _, dup := seen[rawURL]; dup {
				continue
			}
			seen[rawURL] = struct{}{}
			urls = append(urls, rawURL)
		}
	}

	results := make([]*MediaAnalysis, len(urls))
	sem := make(chan struct{}, mediaConcurrency)
	var wg sync.WaitGroup

	for i, rawURL := range urls {
		wg.Add(1)
		sem <- struct{}{}

		go func(idx int, rawURL string) {
			defer wg.Done()
			defer func() { <-sem }()

			results[idx] = e.fetchAndAnalyzeMedia(ctx, t, rawURL, authHeader, offline)
		}(i, rawURL)
	}
	wg.Wait()

	var analyses []MediaAnalysis
	for _, r := range results {
		if r != nil {
			analyses = append(analyses, *r)
		}
	}
	return analyses
}

// fetchAndAnalyzeMedia はメディア1件のダウンロードと画像解析を行う。
// ダウンロード不能（オフラインミス含む）の場合はnilを返す。
func (e *Engine) fetchAndAnalyzeMedia(ctx context.Context, t model.Target, rawURL, authHeader string, offline bool) *MediaAnalysis {
	cached := e.mediaStore.Lookup(rawURL) != ""
	localPath, err := e.mediaStore.GetOrFetch(ctx, rawURL, offline, authHeader)
	if err != nil {
		if !errors.Is(err, media.ErrUnavailable) {
			e.collector.RecordMediaDownload("failed")
			e.logger.Warn("media download failed",
				slog.String("target", t.String()),
				slog.String("url", rawURL),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	if cached {
		e.collector.RecordMediaDownload("cached")
	} else {
		e.collector.RecordMediaDownload("success")
	}

	analysis := &MediaAnalysis{URL: rawURL, LocalPath: localPath}
	if e.analyzer != nil && isAnalyzableImage(localPath) {
		wasCached := e.analysisCache.Lookup(rawURL) != ""
		desc, err := e.analysisCache.GetOrCompute(ctx, rawURL, localPath, offline, e.analyzer.AnalyzeImage)
		switch {
		case err == nil:
			analysis.Description = desc
			e.collector.RecordImageAnalysis(wasCached)
		case errors.Is(err, media.ErrUnavailable):
			// オフラインで未解析。ダウンロード済みメディアとしてのみ載せる。
		default:
			e.logger.Warn("image analysis failed",
				slog.String("url", rawURL),
				slog.String("error", err.Error()),
			)
		}
	}
	return analysis
}

// outcomeFromError はフェッチエラーを結果分類へ写像する。
func (e *Engine) outcomeFromError(t model.Target, err error) Outcome {
	if rle, ok := model.IsRateLimit(err); ok {
		e.collector.RecordFetchOutcome(string(t.Platform), string(StatusRateLimited))
		e.logger.Warn("rate limit hit, aborting target",
			slog.String("target", t.String()),
			slog.String("wait_hint", rle.WaitHint(time.Now())),
		)
		return Outcome{
			Target:   t,
			Status:   StatusRateLimited,
			Reason:   err.Error(),
			WaitHint: rle.WaitHint(time.Now()),
		}
	}

	e.collector.RecordFetchOutcome(string(t.Platform), string(StatusSkipped))
	e.logger.Warn("target skipped",
		slog.String("target", t.String()),
		slog.String("error", err.Error()),
	)
	return Outcome{Target: t, Status: StatusSkipped, Reason: err.Error()}
}

// isAnalyzableImage は画像解析対象の拡張子かを判定する（動画は対象外）。
func isAnalyzableImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}
