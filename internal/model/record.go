package model

import "time"

// Item はコンテンツの1単位（投稿・ツイート・コメント・サブミッション）を表す。
// プラットフォーム名前空間内でIDにより同一性が決まる。生成後は変更しない。
type Item struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind,omitempty"` // post / comment / submission / story など
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title,omitempty"`
	Text      string    `json:"text,omitempty"`
	URL       string    `json:"url,omitempty"`
	Context   string    `json:"context,omitempty"` // subreddit名やreply先など

	// MediaURLs は添付メディアのURL。コンテンツ内リンクとは区別して保持する。
	MediaURLs []string `json:"media_urls,omitempty"`
	// OutboundURLs は本文から抽出した外部リンク。共有ドメイン集計に使用する。
	OutboundURLs []string `json:"outbound_urls,omitempty"`

	Metrics  map[string]int64 `json:"metrics,omitempty"`
	Mentions []string         `json:"mentions,omitempty"`

	IsRepost     bool   `json:"is_repost,omitempty"`
	RepostAuthor string `json:"repost_author,omitempty"`
}

// UserInfo はプラットフォーム固有のユーザープロフィール情報。
type UserInfo struct {
	ID          string           `json:"id,omitempty"`
	Username    string           `json:"username,omitempty"`
	DisplayName string           `json:"display_name,omitempty"`
	Bio         string           `json:"bio,omitempty"`
	URL         string           `json:"url,omitempty"`
	CreatedAt   time.Time        `json:"created_at,omitempty"`
	Metrics     map[string]int64 `json:"metrics,omitempty"`
}

// CachedRecord はTargetごとの永続化単位。
// Itemsはプラットフォーム固有IDで重複排除され、新しい順に並ぶ。
// FetchedAtは最後に成功したネットワークフェッチの時刻であり、キャッシュ読込時刻ではない。
type CachedRecord struct {
	FetchedAt          time.Time `json:"fetched_at"`
	Items              []Item    `json:"items"`
	ItemCountRequested int       `json:"item_count_requested"`
	UserInfo           *UserInfo `json:"user_info,omitempty"`
}

// NewestID は最新（先頭）のアイテムIDを返す。アイテムがなければ空文字列。
func (r *CachedRecord) NewestID() string {
	if r == nil || len(r.Items) == 0 {
		return ""
	}
	return r.Items[0].ID
}

// FetchResult はアダプターのフェッチ結果。
type FetchResult struct {
	Items    []Item
	UserInfo *UserInfo
}

// FetchPlan はTargetごとの要求アイテム数のマッピング。
// 未指定のターゲットにはDefaultCountが適用される。キャッシュキーには影響しない。
type FetchPlan struct {
	DefaultCount int
	// Targets は "platform:username" キーごとの件数上書き。
	Targets map[string]int
}

// CountFor はターゲットに対する要求件数を解決する。
// ターゲット個別指定がデフォルトより常に優先される。
func (p FetchPlan) CountFor(t Target) int {
	if n, ok := p.Targets[t.Key()]; ok && n > 0 {
		return n
	}
	if p.DefaultCount > 0 {
		return p.DefaultCount
	}
	return 50
}

// SetCount はターゲット個別の要求件数を設定する。
func (p *FetchPlan) SetCount(t Target, count int) {
	if p.Targets == nil {
		p.Targets = make(map[string]int)
	}
	p.Targets[t.Key()] = count
}

// FetchMode はオーケストレーターへのフェッチ指示モード。
type FetchMode int

const (
	// ModeDefault は鮮度に基づく通常解決（fresh→キャッシュ、stale→増分）。
	ModeDefault FetchMode = iota
	// ModeRefresh はキャッシュを破棄した完全再フェッチ。
	ModeRefresh
	// ModeLoadMore は鮮度に関わらない追加の増分フェッチ。
	ModeLoadMore
)

// String はログ表示用のモード名を返す。
func (m FetchMode) String() string {
	switch m {
	case ModeRefresh:
		return "refresh"
	case ModeLoadMore:
		return "loadmore"
	default:
		return "default"
	}
}
