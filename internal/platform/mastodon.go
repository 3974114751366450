package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/sociolens/internal/config"
	"github.com/hitoshi/sociolens/internal/model"
	"github.com/hitoshi/sociolens/internal/security"
)

// mastodonMaxPageSize はstatusesエンドポイントの1リクエスト上限。
// countがこれを超える場合はmax_idで過去方向にページングする。
const mastodonMaxPageSize = 40

// mastodonClient は1インスタンス分の接続情報。
type mastodonClient struct {
	baseURL     string
	accessToken string
	isDefault   bool
}

// MastodonAdapter は複数Mastodonインスタンス対応のアダプター。
// ターゲットのインスタンスドメインに対応するクライアントを選び、
// 設定にないドメインはデフォルトルックアップインスタンス経由の
// 連合検索（user@domain）へフォールバックする。
type MastodonAdapter struct {
	httpClient *http.Client
	logger     *slog.Logger
	extractor  security.TextExtractorService
	clients    map[string]*mastodonClient
	defaultKey string
	// firstKey は設定ファイル順で最初のインスタンス。
	// デフォルトルックアップ指定がないときの連合検索のフォールバック先。
	firstKey string
}

// NewMastodonAdapter は設定済みインスタンス群からMastodonAdapterを生成する。
// is_default_lookup_instanceはちょうど1件の指定を想定し、複数指定された
// 場合は最初の1件を使い警告を出す。
func NewMastodonAdapter(httpClient *http.Client, logger *slog.Logger, extractor security.TextExtractorService, instances []config.MastodonInstance) *MastodonAdapter {
	a := &MastodonAdapter{
		httpClient: httpClient,
		logger:     logger,
		extractor:  extractor,
		clients:    make(map[string]*mastodonClient, len(instances)),
	}
	for _, inst := range instances {
		c := &mastodonClient{
			baseURL:     strings.TrimRight(inst.APIBaseURL, "/"),
			accessToken: inst.AccessToken,
			isDefault:   inst.IsDefaultLookupInstance,
		}
		a.clients[inst.Name] = c
		if a.firstKey == "" {
			a.firstKey = inst.Name
		}
		if c.isDefault {
			if a.defaultKey != "" {
				logger.Warn("multiple mastodon instances marked as default lookup, keeping the first",
					slog.String("kept", a.defaultKey),
					slog.String("ignored", inst.Name),
				)
				continue
			}
			a.defaultKey = inst.Name
		}
	}
	return a
}

// Platform はAdapterインターフェースを実装する。
func (a *MastodonAdapter) Platform() model.Platform { return model.PlatformMastodon }

// clientFor はターゲットのインスタンスに対応するクライアントと、
// そのクライアントに渡すacct（ローカル名または連合形式）を返す。
func (a *MastodonAdapter) clientFor(target model.Target) (*mastodonClient, string, error) {
	if c, ok := a.clients[target.Instance]; ok {
		return c, target.Username, nil
	}
	if a.defaultKey == "" && a.firstKey == "" {
		return nil, "", &model.AdapterError{
			Platform: string(model.PlatformMastodon),
			Message:  fmt.Sprintf("no configured instance available for lookup of %s", target.Instance),
		}
	}

	lookupKey := a.defaultKey
	if lookupKey == "" {
		// デフォルト指定がない場合は設定順で最初のインスタンスを使う
		lookupKey = a.firstKey
		a.logger.Warn("no default lookup instance marked, falling back to first configured instance",
			slog.String("instance", target.Instance),
			slog.String("lookup_via", lookupKey),
		)
	} else {
		a.logger.Warn("mastodon instance not configured, using default lookup instance",
			slog.String("instance", target.Instance),
			slog.String("lookup_via", lookupKey),
		)
	}
	// 連合ルックアップはuser@domain形式のacctで行う
	return a.clients[lookupKey], target.Username + "@" + target.Instance, nil
}

// mastodonAccount はaccounts系エンドポイントのレスポンス。
type mastodonAccount struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Acct           string `json:"acct"`
	DisplayName    string `json:"display_name"`
	Note           string `json:"note"`
	CreatedAt      string `json:"created_at"`
	FollowersCount int64  `json:"followers_count"`
	FollowingCount int64  `json:"following_count"`
	StatusesCount  int64  `json:"statuses_count"`
}

// mastodonStatus はstatusesエンドポイントの1エントリ。
type mastodonStatus struct {
	ID               string           `json:"id"`
	CreatedAt        string           `json:"created_at"`
	Content          string           `json:"content"`
	SpoilerText      string           `json:"spoiler_text"`
	URL              string           `json:"url"`
	RepliesCount     int64            `json:"replies_count"`
	ReblogsCount     int64            `json:"reblogs_count"`
	FavouritesCount  int64            `json:"favourites_count"`
	Reblog           *mastodonStatus  `json:"reblog"`
	Account          *mastodonAccount `json:"account"`
	MediaAttachments []struct {
		Type       string `json:"type"`
		URL        string `json:"url"`
		PreviewURL string `json:"preview_url"`
	} `json:"media_attachments"`
	Mentions []struct {
		Acct string `json:"acct"`
	} `json:"mentions"`
}

// Fetch はアカウント情報とステータスを取得する。sinceID指定時は
// サーバー側のsince_idフィルタを使い、超過分はmax_idで過去方向にページングする。
func (a *MastodonAdapter) Fetch(ctx context.Context, target model.Target, count int, sinceID string) (*model.FetchResult, error) {
	client, acct, err := a.clientFor(target)
	if err != nil {
		return nil, err
	}

	account, err := a.lookupAccount(ctx, client, target, acct)
	if err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339, account.CreatedAt)
	if err != nil {
		createdAt = time.Time{}
	}
	userInfo := &model.UserInfo{
		ID:          account.ID,
		Username:    account.Acct,
		DisplayName: account.DisplayName,
		Bio:         a.extractor.ExtractText(account.Note),
		CreatedAt:   createdAt.UTC(),
		Metrics: map[string]int64{
			"followers": account.FollowersCount,
			"following": account.FollowingCount,
			"statuses":  account.StatusesCount,
		},
	}

	var items []model.Item
	maxID := ""

	for len(items) < count {
		pageSize := count - len(items)
		if pageSize > mastodonMaxPageSize {
			pageSize = mastodonMaxPageSize
		}

		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageSize))
		if sinceID != "" {
			q.Set("since_id", sinceID)
		}
		if maxID != "" {
			q.Set("max_id", maxID)
		}
		endpoint := fmt.Sprintf("%s/api/v1/accounts/%s/statuses?%s", client.baseURL, url.PathEscape(account.ID), q.Encode())

		var statuses []mastodonStatus
		if err := a.getJSON(ctx, client, target, endpoint, &statuses); err != nil {
			return nil, err
		}
		if len(statuses) == 0 {
			break
		}

		for _, st := range statuses {
			if len(items) >= count {
				break
			}
			items = append(items, a.convertStatus(st))
		}

		maxID = statuses[len(statuses)-1].ID
	}

	a.logger.Info("mastodon fetch completed",
		slog.String("acct", acct),
		slog.String("instance", client.baseURL),
		slog.Int("items", len(items)),
	)

	return &model.FetchResult{Items: items, UserInfo: userInfo}, nil
}

func (a *MastodonAdapter) lookupAccount(ctx context.Context, client *mastodonClient, target model.Target, acct string) (*mastodonAccount, error) {
	endpoint := fmt.Sprintf("%s/api/v1/accounts/lookup?acct=%s", client.baseURL, url.QueryEscape(acct))

	var account mastodonAccount
	if err := a.getJSON(ctx, client, target, endpoint, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// convertStatus はステータスをItemへ変換する。ブーストは元投稿の本文・メディアを
// 取り込みつつIsRepostで区別する。本文HTMLはプレーンテキストへ剥がすが、
// 外部URL抽出は剥がす前の生HTMLに対して行う（href内のURLを落とさないため）。
func (a *MastodonAdapter) convertStatus(st mastodonStatus) model.Item {
	source := &st
	item := model.Item{
		ID:        st.ID,
		Kind:      "status",
		CreatedAt: parseTwitterTime(st.CreatedAt),
		URL:       st.URL,
		Metrics: map[string]int64{
			"replies":    st.RepliesCount,
			"reblogs":    st.ReblogsCount,
			"favourites": st.FavouritesCount,
		},
	}

	if st.Reblog != nil {
		item.IsRepost = true
		if st.Reblog.Account != nil {
			item.RepostAuthor = st.Reblog.Account.Acct
		}
		source = st.Reblog
		if source.URL != "" {
			item.URL = source.URL
		}
	}

	item.Title = source.SpoilerText
	item.Text = a.extractor.ExtractText(source.Content)
	item.OutboundURLs = extractMastodonLinks(source.Content)

	for _, m := range source.MediaAttachments {
		u := m.URL
		if u == "" {
			u = m.PreviewURL
		}
		if u != "" {
			item.MediaURLs = append(item.MediaURLs, u)
		}
	}
	for _, mention := range source.Mentions {
		item.Mentions = append(item.Mentions, mention.Acct)
	}

	return item
}

// extractMastodonLinks は生HTMLから外部リンクを抽出し、
// ハッシュタグ・メンションのインスタンス内リンクを除外する。
func extractMastodonLinks(htmlContent string) []string {
	var links []string
	for _, u := range ExtractURLs(htmlContent) {
		if strings.Contains(u, "/tags/") || strings.Contains(u, "/@") {
			continue
		}
		links = append(links, u)
	}
	return links
}

func (a *MastodonAdapter) getJSON(ctx context.Context, client *mastodonClient, target model.Target, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &model.AdapterError{Platform: string(model.PlatformMastodon), Message: "failed to build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+client.accessToken)
	req.Header.Set("User-Agent", "sociolens/1.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return wrapTransient(string(model.PlatformMastodon), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyResponse(string(model.PlatformMastodon), target, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapTransient(string(model.PlatformMastodon), err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &model.AdapterError{Platform: string(model.PlatformMastodon), Message: "failed to parse response", Err: err}
	}
	return nil
}
