// Package media はメディアファイルのダウンロードキャッシュと
// 画像解析結果のサイドカーキャッシュを提供する。
// キャッシュはURLのハッシュをキーとするため、複数ターゲットが
// 同じメディアを共有してもダウンロードと解析は1回で済む。
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/sociolens/internal/security"
)

// ErrUnavailable はオフラインモードでキャッシュ未取得のメディアを
// 要求した場合に返される。呼び出し側はこのメディアをスキップする。
var ErrUnavailable = errors.New("media not cached and network fetch is disabled")

// ErrTooLarge はサイズ上限を超えるメディアのダウンロードを拒否した場合に返される。
var ErrTooLarge = errors.New("media exceeds size limit")

// extByMIME はContent-Typeから保存時の拡張子を決める。
// 対応外のContent-Typeのメディアは保存しない。
var extByMIME = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

// knownExts はキャッシュヒット判定で探索する拡張子。
var knownExts = []string{".jpg", ".png", ".gif", ".webp", ".mp4", ".webm"}

// Store はメディアダウンロードのコンテンツアドレスキャッシュ。
// ファイルは <sha256(url)先頭16hex>.<ext> で保存される。
// ダウンロードはSSRF防止クライアント経由で行い、レートリミッタで
// CDNへのアクセス頻度を抑える。
type Store struct {
	dir     string
	client  *http.Client
	guard   security.SSRFGuardService
	limiter *rate.Limiter
	logger  *slog.Logger
	maxSize int64
}

// NewStore はStoreの新しいインスタンスを生成する。
// dirが存在しない場合は作成する。ratePerSecはダウンロードの秒間上限。
func NewStore(dir string, guard security.SSRFGuardService, logger *slog.Logger, timeout time.Duration, maxSize int64, ratePerSec float64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory %s: %w", dir, err)
	}
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	if ratePerSec <= 0 {
		ratePerSec = 2.0
	}
	return &Store{
		dir:     dir,
		client:  guard.NewSafeClient(timeout),
		guard:   guard,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		logger:  logger,
		maxSize: maxSize,
	}, nil
}

// Dir はキャッシュディレクトリのパスを返す。
func (s *Store) Dir() string { return s.dir }

// HashURL はメディアURLのキャッシュキーを返す（sha256の先頭16hex文字）。
func HashURL(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:16]
}

// Lookup はキャッシュ済みメディアのパスを返す。未取得なら空文字列。
func (s *Store) Lookup(rawURL string) string {
	hash := HashURL(rawURL)
	for _, ext := range knownExts {
		path := filepath.Join(s.dir, hash+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// GetOrFetch はメディアのローカルパスを返す。キャッシュヒット時は
// ネットワークアクセスなしで返し、ミス時はダウンロードして保存する。
// offline指定時のキャッシュミスはErrUnavailable。
// authHeaderが非空の場合はAuthorizationヘッダーとして付与する
// （Twitterのメディアなど認証必須のCDN向け）。
func (s *Store) GetOrFetch(ctx context.Context, rawURL string, offline bool, authHeader string) (string, error) {
	if path := s.Lookup(rawURL); path != "" {
		return path, nil
	}
	if offline {
		return "", ErrUnavailable
	}

	if err := s.guard.ValidateURL(rawURL); err != nil {
		return "", fmt.Errorf("unsafe media URL: %w", err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build media request: %w", err)
	}
	req.Header.Set("User-Agent", "sociolens/1.0")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media download returned status %d", resp.StatusCode)
	}
	if resp.ContentLength > s.maxSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	ext, ok := extByMIME[mediaType(resp.Header.Get("Content-Type"))]
	if !ok {
		return "", fmt.Errorf("unsupported media type: %s", resp.Header.Get("Content-Type"))
	}

	path := filepath.Join(s.dir, HashURL(rawURL)+ext)

	// 一時ファイルへ書いてからリネームで確定する（部分書き込みを見せない）
	tmpPath := path + ".tmp." + uuid.New().String()
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create media file: %w", err)
	}

	// Content-Length詐称に備えて読み取り側でも上限を課す
	n, err := io.Copy(f, io.LimitReader(resp.Body, s.maxSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	if n > s.maxSize {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: body exceeded %d bytes", ErrTooLarge, s.maxSize)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize media file: %w", err)
	}

	s.logger.Debug("media downloaded",
		slog.String("url", rawURL),
		slog.String("path", path),
		slog.Int64("bytes", n),
	)
	return path, nil
}

// mediaType はContent-Typeヘッダーからパラメータを除いたメディアタイプを返す。
func mediaType(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
