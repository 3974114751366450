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
	"time"

	"github.com/hitoshi/sociolens/internal/model"
	"github.com/hitoshi/sociolens/internal/security"
)

const (
	hnDefaultBaseURL = "https://hn.algolia.com/api/v1"
	// hnMaxPageSize はAlgoliaのhitsPerPage上限。
	hnMaxPageSize = 100
)

// HackerNewsAdapter はHacker NewsのAlgolia検索APIのアダプター。認証不要。
// sinceIDのサーバー側フィルタを持たないが、アイテムIDから作成時刻を
// 逆引きしてnumericFiltersで時刻ベースの差分取得に変換する。
type HackerNewsAdapter struct {
	httpClient *http.Client
	logger     *slog.Logger
	extractor  security.TextExtractorService
	baseURL    string // テスト用に差し替え可能
}

// NewHackerNewsAdapter はHackerNewsAdapterの新しいインスタンスを生成する。
func NewHackerNewsAdapter(httpClient *http.Client, logger *slog.Logger, extractor security.TextExtractorService) *HackerNewsAdapter {
	return &HackerNewsAdapter{
		httpClient: httpClient,
		logger:     logger,
		extractor:  extractor,
		baseURL:    hnDefaultBaseURL,
	}
}

// Platform はAdapterインターフェースを実装する。
func (a *HackerNewsAdapter) Platform() model.Platform { return model.PlatformHackerNews }

// hnHit はsearch_by_dateの1ヒット。storyとcommentで使われるフィールドが異なる。
type hnHit struct {
	ObjectID    string `json:"objectID"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	StoryText   string `json:"story_text"`
	CommentText string `json:"comment_text"`
	StoryTitle  string `json:"story_title"`
	StoryID     int64  `json:"story_id"`
	Points      int64  `json:"points"`
	NumComments int64  `json:"num_comments"`
	CreatedAtI  int64  `json:"created_at_i"`
}

type hnSearchPage struct {
	Hits    []hnHit `json:"hits"`
	Page    int     `json:"page"`
	NbPages int     `json:"nbPages"`
}

// Fetch はユーザープロフィールと投稿（story/comment混在）を取得する。
func (a *HackerNewsAdapter) Fetch(ctx context.Context, target model.Target, count int, sinceID string) (*model.FetchResult, error) {
	userInfo, err := a.fetchUser(ctx, target)
	if err != nil {
		return nil, err
	}

	// sinceIDはアイテムの作成時刻に解決してnumericFiltersへ変換する。
	// 解決に失敗したアイテム（削除済みなど）はフルフェッチにフォールバックし、
	// 後段のマージのID重複排除に委ねる。
	sinceEpoch := int64(0)
	if sinceID != "" {
		epoch, err := a.resolveItemTime(ctx, target, sinceID)
		if err != nil {
			a.logger.Warn("hackernews since item resolution failed, falling back to full fetch",
				slog.String("since_id", sinceID),
				slog.String("error", err.Error()),
			)
		} else {
			sinceEpoch = epoch
		}
	}

	var items []model.Item
	page := 0

	for len(items) < count {
		pageSize := count - len(items)
		if pageSize > hnMaxPageSize {
			pageSize = hnMaxPageSize
		}

		q := url.Values{}
		q.Set("tags", "author_"+target.Username)
		q.Set("hitsPerPage", strconv.Itoa(pageSize))
		q.Set("page", strconv.Itoa(page))
		if sinceEpoch > 0 {
			q.Set("numericFilters", fmt.Sprintf("created_at_i>%d", sinceEpoch))
		}
		endpoint := fmt.Sprintf("%s/search_by_date?%s", a.baseURL, q.Encode())

		var result hnSearchPage
		if err := a.getJSON(ctx, target, endpoint, &result); err != nil {
			return nil, err
		}
		if len(result.Hits) == 0 {
			break
		}

		for _, hit := range result.Hits {
			if len(items) >= count {
				break
			}
			items = append(items, a.convertHit(hit))
		}

		page++
		if page >= result.NbPages {
			break
		}
	}

	// numericFiltersによる近似フィルタの取りこぼし対策で境界IDも切る
	items = cutAtSinceID(items, sinceID)

	a.logger.Info("hackernews fetch completed",
		slog.String("username", target.Username),
		slog.Int("items", len(items)),
	)

	return &model.FetchResult{Items: items, UserInfo: userInfo}, nil
}

func (a *HackerNewsAdapter) fetchUser(ctx context.Context, target model.Target) (*model.UserInfo, error) {
	endpoint := fmt.Sprintf("%s/users/%s", a.baseURL, url.PathEscape(target.Username))

	var body struct {
		Username  string `json:"username"`
		About     string `json:"about"`
		Karma     int64  `json:"karma"`
		CreatedAt string `json:"created_at"`
	}
	if err := a.getJSON(ctx, target, endpoint, &body); err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339, body.CreatedAt)
	if err != nil {
		createdAt = time.Time{}
	}

	return &model.UserInfo{
		ID:        body.Username,
		Username:  body.Username,
		Bio:       a.extractor.ExtractText(body.About),
		CreatedAt: createdAt.UTC(),
		Metrics:   map[string]int64{"karma": body.Karma},
	}, nil
}

// resolveItemTime はアイテムIDからcreated_at_i（UNIX秒）を取得する。
func (a *HackerNewsAdapter) resolveItemTime(ctx context.Context, target model.Target, itemID string) (int64, error) {
	endpoint := fmt.Sprintf("%s/items/%s", a.baseURL, url.PathEscape(itemID))

	var body struct {
		CreatedAtI int64 `json:"created_at_i"`
	}
	if err := a.getJSON(ctx, target, endpoint, &body); err != nil {
		return 0, err
	}
	if body.CreatedAtI == 0 {
		return 0, fmt.Errorf("item %s has no creation timestamp", itemID)
	}
	return body.CreatedAtI, nil
}

// convertHit は検索ヒットをItemへ変換する。コメントはstory_titleを文脈に載せる。
func (a *HackerNewsAdapter) convertHit(hit hnHit) model.Item {
	item := model.Item{
		ID:        hit.ObjectID,
		CreatedAt: time.Unix(hit.CreatedAtI, 0).UTC(),
		URL:       "https://news.ycombinator.com/item?id=" + hit.ObjectID,
		Metrics:   map[string]int64{},
	}

	if hit.CommentText != "" {
		item.Kind = "comment"
		item.Context = hit.StoryTitle
		// about/コメント本文はHTML断片で届く
		item.Text = a.extractor.ExtractText(hit.CommentText)
		item.OutboundURLs = ExtractURLs(hit.CommentText)
		return item
	}

	item.Kind = "story"
	item.Title = hit.Title
	item.Text = a.extractor.ExtractText(hit.StoryText)
	item.Metrics["points"] = hit.Points
	item.Metrics["comments"] = hit.NumComments
	item.OutboundURLs = ExtractURLs(hit.StoryText)
	if hit.URL != "" {
		item.OutboundURLs = append(item.OutboundURLs, hit.URL)
	}
	return item
}

func (a *HackerNewsAdapter) getJSON(ctx context.Context, target model.Target, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &model.AdapterError{Platform: string(model.PlatformHackerNews), Message: "failed to build request", Err: err}
	}
	req.Header.Set("User-Agent", "sociolens/1.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return wrapTransient(string(model.PlatformHackerNews), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyResponse(string(model.PlatformHackerNews), target, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapTransient(string(model.PlatformHackerNews), err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &model.AdapterError{Platform: string(model.PlatformHackerNews), Message: "failed to parse response", Err: err}
	}
	return nil
}
