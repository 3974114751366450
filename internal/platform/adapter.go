// Package platform はプラットフォームごとのデータ取得アダプターを提供する。
// 各アダプターはプラットフォーム固有のページネーション・認証を統一された
// フェッチ呼び出しへ変換し、失敗をエラー分類へ写像し、レート制限メタデータを抽出する。
package platform

import (
	"context"
	"sort"

	"github.com/hitoshi/sociolens/internal/model"
)

// Adapter は1プラットフォームのフェッチ機能のインターフェース。
// countは取得件数のソフト上限で、アダプターはプラットフォームの
// ページサイズ上限内でページングしながらcountまで取得する。
// sinceIDが指定された場合は、そのネイティブIDより新しいアイテムのみを返す。
// サーバー側でフィルタできないプラットフォームは取得後にクライアント側で除外する。
type Adapter interface {
	Platform() model.Platform
	Fetch(ctx context.Context, target model.Target, count int, sinceID string) (*model.FetchResult, error)
}

// MediaAuthorizer は認証付きメディアダウンロードが必要なアダプターが実装する。
// 返却ヘッダー値はAuthorizationヘッダーにそのまま設定される。空なら認証不要。
type MediaAuthorizer interface {
	MediaAuthorization() string
}

// Registry はプラットフォームタグで選択される閉じたアダプター集合。
// 新しいプラットフォームはアダプターを追加するだけで、オーケストレーターには手を入れない。
type Registry struct {
	adapters map[model.Platform]Adapter
}

// NewRegistry は与えられたアダプターからRegistryを構築する。
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[model.Platform]Adapter, len(adapters))
	for _, a := range adapters {
		if a == nil {
			continue
		}
		m[a.Platform()] = a
	}
	return &Registry{adapters: m}
}

// Get はプラットフォームに対応するアダプターを返す。
func (r *Registry) Get(p model.Platform) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Platforms は登録済みプラットフォームの一覧を表示順で返す。
func (r *Registry) Platforms() []model.Platform {
	var ps []model.Platform
	for _, p := range model.AllPlatforms {
		if _, ok := r.adapters[p]; ok {
			ps = append(ps, p)
		}
	}
	return ps
}

// sortNewestFirst はアイテム列を作成日時の降順に整列して返す。
// 複数リスティングを統合するアダプター（Redditなど）で使用する。
func sortNewestFirst(items []model.Item) []model.Item {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items
}

// cutAtSinceID は新しい順のアイテム列をsinceIDの位置で切り詰める。
// sinceIDが列に現れない場合は全アイテムを返す（マージ側のID重複排除が後段の防衛線）。
// サーバー側のsinceフィルタを持たないプラットフォームのクライアント側フィルタとして使用する。
func cutAtSinceID(items []model.Item, sinceID string) []model.Item {
	if sinceID == "" {
		return items
	}
	for i, it := range items {
		if it.ID == sinceID {
			return items[:i]
		}
	}
	return items
}
