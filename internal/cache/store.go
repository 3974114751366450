// Package cache はTargetごとのJSONレコードのTTL付きキャッシュストアを提供する。
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/sociolens/internal/model"
)

// Store はTargetごとのキャッシュレコードをディスク上のJSONファイルとして管理する。
// レコードファイルはTargetごとに独立しており、ロック粒度はTargetキー単位。
type Store struct {
	dir      string
	ttl      time.Duration
	maxItems int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore はStoreを生成し、キャッシュディレクトリを作成する。
func NewStore(dir string, ttl time.Duration, maxItems int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", dir, err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxItems <= 0 {
		maxItems = 200
	}
	return &Store{
		dir:      dir,
		ttl:      ttl,
		maxItems: maxItems,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Dir はキャッシュディレクトリのパスを返す。
func (s *Store) Dir() string { return s.dir }

// Lock はTargetキー単位のロックを取得し、解放関数を返す。
// 同一Targetへのread-modify-writeを直列化するために使用する。
func (s *Store) Lock(t model.Target) func() {
	s.mu.Lock()
	l, ok := s.locks[t.CacheKey()]
	if !ok {
		l = &sync.Mutex{}
		s.locks[t.CacheKey()] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Store) path(t model.Target) string {
	return filepath.Join(s.dir, t.CacheKey()+".json")
}

// Read はTargetのキャッシュレコードを読み込む。
// ファイルが存在しない場合は (nil, nil) を返す。
// パース不能なレコードはファイルを削除し、CacheCorruptErrorを返す。
// 呼び出し元はこれをNO_CACHE相当として扱い、実行を継続すること。
// 古いスキーマのレコードは欠損フィールドをゼロ値として読み込む。
func (s *Store) Read(t model.Target) (*model.CachedRecord, error) {
	path := s.path(t)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache %s: %w", path, err)
	}

	var rec model.CachedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("corrupt cache record discarded",
			slog.String("target", t.String()),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		_ = os.Remove(path)
		return nil, &model.CacheCorruptError{Path: path, Err: err}
	}

	return &rec, nil
}

// Write はTargetのキャッシュレコードをアトミックに置換する。
// 一時ファイルへ書き込んでからrenameするため、中断されても部分書き込みは残らない。
func (s *Store) Write(t model.Target, rec *model.CachedRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize cache record for %s: %w", t, err)
	}

	path := s.path(t)
	tmp := path + ".tmp." + uuid.New().String()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache temp file for %s: %w", t, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace cache file for %s: %w", t, err)
	}

	slog.Debug("cache record written",
		slog.String("target", t.String()),
		slog.Int("items", len(rec.Items)),
	)
	return nil
}

// IsFresh はレコードが鮮度ウィンドウ（TTL）内かを判定する。
// オフラインモードではこの述語を参照してはならない。
// オフライン時の古いキャッシュはエラーではなく期待されるデータソースである。
func (s *Store) IsFresh(rec *model.CachedRecord, now time.Time) bool {
	if rec == nil {
		return false
	}
	return now.Sub(rec.FetchedAt) < s.ttl
}

// Merge は既存レコードへ取得アイテムを統合した新しいレコードを返す。
// IDで和集合を取り（ID衝突時は既存アイテムを保持）、新しい順に整列し、
// fetched_atを置き換える。item_count_requestedは縮まない（新旧の最大値）。
// アイテム数は max(requested, maxItems) で上限を設ける。
func (s *Store) Merge(existing *model.CachedRecord, incoming []model.Item, newFetchedAt time.Time, requested int) *model.CachedRecord {
	seen := make(map[string]struct{})
	var items []model.Item

	if existing != nil {
		for _, it := range existing.Items {
			if _, dup := seen[it.ID]; dup {
				continue
			}
			seen[it.ID] = struct{}{}
			items = append(items, it)
		}
	}
	for _, it := range incoming {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		items = append(items, it)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	limit := requested
	if s.maxItems > limit {
		limit = s.maxItems
	}
	if len(items) > limit {
		items = items[:limit]
	}

	merged := &model.CachedRecord{
		FetchedAt:          newFetchedAt,
		Items:              items,
		ItemCountRequested: requested,
	}
	if existing != nil {
		if existing.ItemCountRequested > merged.ItemCountRequested {
			merged.ItemCountRequested = existing.ItemCountRequested
		}
		merged.UserInfo = existing.UserInfo
	}
	return merged
}

// Entry はキャッシュ一覧の1件。
type Entry struct {
	Target model.Target
	Record *model.CachedRecord
}

// List は読み込み可能な全キャッシュレコードを列挙する。
// キャッシュ状況表示用。破損ファイルは読み飛ばす。
func (s *Store) List() ([]Entry, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var entries []Entry
	for _, path := range paths {
		target, ok := targetFromFilename(filepath.Base(path))
		if !ok {
			continue
		}
		rec, err := s.Read(target)
		if err != nil || rec == nil {
			continue
		}
		entries = append(entries, Entry{Target: target, Record: rec})
	}
	return entries, nil
}

// targetFromFilename は "platform_username.json" 形式のファイル名をTargetに復元する。
func targetFromFilename(name string) (model.Target, bool) {
	stem := name[:len(name)-len(filepath.Ext(name))]
	for _, p := range model.AllPlatforms {
		prefix := string(p) + "_"
		if len(stem) > len(prefix) && stem[:len(prefix)] == prefix {
			t, err := model.NewTarget(p, stem[len(prefix):])
			if err != nil {
				return model.Target{}, false
			}
			return t, true
		}
	}
	return model.Target{}, false
}

// Purge はディレクトリの中身を削除して空ディレクトリを再作成する。
// キャッシュ・メディア・出力レポートの3スコープは互いに独立して削除できる。
func Purge(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to purge %s: %w", dir, err)
	}
	return os.MkdirAll(dir, 0o755)
}
