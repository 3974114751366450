package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// analysisRecord は画像解析結果のサイドカーファイル形式。
type analysisRecord struct {
	URL        string    `json:"url"`
	Analysis   string    `json:"analysis"`
	Model      string    `json:"model"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// AnalyzeFunc は画像解析の実体。ローカルパスのメディアを受け取り、
// テキスト記述を返す。
type AnalyzeFunc func(ctx context.Context, localPath string) (string, error)

// AnalysisCache は画像解析結果をメディアファイルと同じハッシュキーで
// 永続化する。解析はメディアごとに1回だけ実行され、同一メディアへの
// 並行要求はシングルフライトで1回の解析に合流する。
type AnalysisCache struct {
	dir    string
	model  string
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*analysisCall
}

type analysisCall struct {
	done   chan struct{}
	result string
	err    error
}

// NewAnalysisCache はAnalysisCacheの新しいインスタンスを生成する。
// dirはメディアStoreと同じディレクトリを使うのが前提。
// modelは解析に使うモデル名で、サイドカーに記録される。
func NewAnalysisCache(dir, model string, logger *slog.Logger) *AnalysisCache {
	return &AnalysisCache{
		dir:      dir,
		model:    model,
		logger:   logger,
		inflight: make(map[string]*analysisCall),
	}
}

func (c *AnalysisCache) sidecarPath(hash string) string {
	return filepath.Join(c.dir, hash+".analysis.json")
}

// Lookup はキャッシュ済みの解析結果を返す。未解析なら空文字列。
func (c *AnalysisCache) Lookup(rawURL string) string {
	data, err := os.ReadFile(c.sidecarPath(HashURL(rawURL)))
	if err != nil {
		return ""
	}
	var rec analysisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ""
	}
	return rec.Analysis
}

// GetOrCompute はメディアの解析結果を返す。キャッシュヒット時は
// 解析関数を呼ばずに返す。offline指定時のキャッシュミスはErrUnavailable。
func (c *AnalysisCache) GetOrCompute(ctx context.Context, rawURL, localPath string, offline bool, analyze AnalyzeFunc) (string, error) {
	if cached := c.Lookup(rawURL); cached != "" {
		return cached, nil
	}
	if offline {
		return "", ErrUnavailable
	}

	hash := HashURL(rawURL)

	c.mu.Lock()
	if call, ok := c.inflight[hash]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &analysisCall{done: make(chan struct{})}
	c.inflight[hash] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, hash)
		c.mu.Unlock()
		close(call.done)
	}()

	// inflight登録とディスク読み取りの競合で2回目のLookupが必要になる場合がある
	if cached := c.Lookup(rawURL); cached != "" {
		call.result = cached
		return cached, nil
	}

	result, err := analyze(ctx, localPath)
	if err != nil {
		call.err = err
		return "", err
	}
	call.result = result

	if err := c.save(rawURL, hash, result); err != nil {
		// 永続化失敗は解析結果を無駄にしない（次回再解析になるだけ）
		c.logger.Warn("failed to persist analysis result",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
	}
	return result, nil
}

func (c *AnalysisCache) save(rawURL, hash, analysis string) error {
	rec := analysisRecord{
		URL:        rawURL,
		Analysis:   analysis,
		Model:      c.model,
		AnalyzedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode analysis record: %w", err)
	}

	path := c.sidecarPath(hash)
	tmpPath := path + ".tmp." + uuid.New().String()
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write analysis record: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize analysis record: %w", err)
	}
	return nil
}
