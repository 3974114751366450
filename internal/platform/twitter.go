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
)

const (
	// twitterDefaultBaseURL はTwitter API v2のエンドポイント。
	twitterDefaultBaseURL = "https://api.twitter.com/2"
	// twitterMaxPageSize は1リクエストあたりの最大取得件数（API仕様）。
	twitterMaxPageSize = 100
)

// TwitterAdapter はTwitter API v2（Bearer Token認証）のアダプター。
type TwitterAdapter struct {
	httpClient *http.Client
	logger     *slog.Logger
	bearer     string
	baseURL    string // テスト用にエンドポイントを差し替え可能
}

// NewTwitterAdapter はTwitterAdapterの新しいインスタンスを生成する。
func NewTwitterAdapter(httpClient *http.Client, logger *slog.Logger, bearerToken string) *TwitterAdapter {
	return &TwitterAdapter{
		httpClient: httpClient,
		logger:     logger,
		bearer:     bearerToken,
		baseURL:    twitterDefaultBaseURL,
	}
}

// Platform はAdapterインターフェースを実装する。
func (a *TwitterAdapter) Platform() model.Platform { return model.PlatformTwitter }

// MediaAuthorization はメディアダウンロード用のAuthorizationヘッダー値を返す。
func (a *TwitterAdapter) MediaAuthorization() string { return "Bearer " + a.bearer }

// twitterUser はusers系エンドポイントのレスポンス。
type twitterUser struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Username      string `json:"username"`
	CreatedAt     string `json:"created_at"`
	Description   string `json:"description"`
	PublicMetrics struct {
		FollowersCount int64 `json:"followers_count"`
		FollowingCount int64 `json:"following_count"`
		TweetCount     int64 `json:"tweet_count"`
	} `json:"public_metrics"`
}

// twitterTweetPage はtweetsタイムラインの1ページ。
type twitterTweetPage struct {
	Data []struct {
		ID            string `json:"id"`
		Text          string `json:"text"`
		CreatedAt     string `json:"created_at"`
		PublicMetrics struct {
			LikeCount    int64 `json:"like_count"`
			RetweetCount int64 `json:"retweet_count"`
			ReplyCount   int64 `json:"reply_count"`
			QuoteCount   int64 `json:"quote_count"`
		} `json:"public_metrics"`
		Attachments struct {
			MediaKeys []string `json:"media_keys"`
		} `json:"attachments"`
		Entities struct {
			URLs []struct {
				ExpandedURL string `json:"expanded_url"`
			} `json:"urls"`
			Mentions []struct {
				Username string `json:"username"`
			} `json:"mentions"`
		} `json:"entities"`
	} `json:"data"`
	Includes struct {
		Media []struct {
			MediaKey        string `json:"media_key"`
			Type            string `json:"type"`
			URL             string `json:"url"`
			PreviewImageURL string `json:"preview_image_url"`
		} `json:"media"`
	} `json:"includes"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

// Fetch はユーザープロフィールとツイートを取得する。
// ページサイズ上限100でページングしながらcountまで取得し、
// sinceID指定時はサーバー側のsince_idフィルタを使用する。
func (a *TwitterAdapter) Fetch(ctx context.Context, target model.Target, count int, sinceID string) (*model.FetchResult, error) {
	user, err := a.lookupUser(ctx, target)
	if err != nil {
		return nil, err
	}

	userInfo := &model.UserInfo{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.Name,
		Bio:         user.Description,
		CreatedAt:   parseTwitterTime(user.CreatedAt),
		Metrics: map[string]int64{
			"followers": user.PublicMetrics.FollowersCount,
			"following": user.PublicMetrics.FollowingCount,
			"tweets":    user.PublicMetrics.TweetCount,
		},
	}

	var items []model.Item
	paginationToken := ""

	for len(items) < count {
		pageSize := count - len(items)
		if pageSize > twitterMaxPageSize {
			pageSize = twitterMaxPageSize
		}
		// APIの最小max_resultsは5
		if pageSize < 5 {
			pageSize = 5
		}

		page, err := a.fetchTweetPage(ctx, target, user.ID, pageSize, sinceID, paginationToken)
		if err != nil {
			return nil, err
		}

		mediaByKey := make(map[string]string, len(page.Includes.Media))
		for _, m := range page.Includes.Media {
			u := m.URL
			if u == "" {
				u = m.PreviewImageURL
			}
			mediaByKey[m.MediaKey] = u
		}

		for _, t := range page.Data {
			if len(items) >= count {
				break
			}

			var mediaURLs []string
			for _, key := range t.Attachments.MediaKeys {
				if u := mediaByKey[key]; u != "" {
					mediaURLs = append(mediaURLs, u)
				}
			}

			var outbound []string
			for _, u := range t.Entities.URLs {
				if u.ExpandedURL != "" {
					outbound = append(outbound, u.ExpandedURL)
				}
			}
			var mentions []string
			for _, m := range t.Entities.Mentions {
				mentions = append(mentions, m.Username)
			}

			items = append(items, model.Item{
				ID:        t.ID,
				Kind:      "tweet",
				CreatedAt: parseTwitterTime(t.CreatedAt),
				Text:      t.Text,
				URL:       "https://x.com/" + user.Username + "/status/" + t.ID,
				MediaURLs: mediaURLs,
				// entities.urls はt.co短縮の展開済みURL。本文のregex抽出では
				// 短縮形しか得られないため、ここではentitiesを正とする。
				OutboundURLs: outbound,
				Mentions:     mentions,
				Metrics: map[string]int64{
					"likes":    t.PublicMetrics.LikeCount,
					"retweets": t.PublicMetrics.RetweetCount,
					"replies":  t.PublicMetrics.ReplyCount,
					"quotes":   t.PublicMetrics.QuoteCount,
				},
			})
		}

		paginationToken = page.Meta.NextToken
		if paginationToken == "" || len(page.Data) == 0 {
			break
		}
	}

	a.logger.Info("twitter fetch completed",
		slog.String("username", target.Username),
		slog.Int("items", len(items)),
	)

	return &model.FetchResult{Items: items, UserInfo: userInfo}, nil
}

func (a *TwitterAdapter) lookupUser(ctx context.Context, target model.Target) (*twitterUser, error) {
	endpoint := fmt.Sprintf("%s/users/by/username/%s?user.fields=created_at,public_metrics,description",
		a.baseURL, url.PathEscape(target.Username))

	var body struct {
		Data   *twitterUser `json:"data"`
		Errors []struct {
			Title string `json:"title"`
		} `json:"errors"`
	}
	if err := a.getJSON(ctx, target, endpoint, &body); err != nil {
		return nil, err
	}
	if body.Data == nil {
		// Twitterは未知ユーザーでも200 + errors配列を返すことがある
		return nil, &model.NotFoundError{Platform: string(model.PlatformTwitter), Username: target.Username}
	}
	return body.Data, nil
}

func (a *TwitterAdapter) fetchTweetPage(ctx context.Context, target model.Target, userID string, pageSize int, sinceID, paginationToken string) (*twitterTweetPage, error) {
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(pageSize))
	q.Set("tweet.fields", "created_at,public_metrics,entities,attachments")
	q.Set("expansions", "attachments.media_keys")
	q.Set("media.fields", "url,preview_image_url,type,media_key")
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	if paginationToken != "" {
		q.Set("pagination_token", paginationToken)
	}

	endpoint := fmt.Sprintf("%s/users/%s/tweets?%s", a.baseURL, url.PathEscape(userID), q.Encode())

	var page twitterTweetPage
	if err := a.getJSON(ctx, target, endpoint, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (a *TwitterAdapter) getJSON(ctx context.Context, target model.Target, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &model.AdapterError{Platform: string(model.PlatformTwitter), Message: "failed to build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.bearer)
	req.Header.Set("User-Agent", "sociolens/1.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return wrapTransient(string(model.PlatformTwitter), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyResponse(string(model.PlatformTwitter), target, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapTransient(string(model.PlatformTwitter), err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &model.AdapterError{Platform: string(model.PlatformTwitter), Message: "failed to parse response", Err: err}
	}
	return nil
}

// parseTwitterTime はRFC3339形式のタイムスタンプをパースする。
// パース不能な値はゼロ値として扱う（整列時に最古へ沈む）。
func parseTwitterTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
