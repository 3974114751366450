package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/sociolens/internal/model"
)

const (
	redditDefaultAuthURL = "https://www.reddit.com/api/v1/access_token"
	redditDefaultBaseURL = "https://oauth.reddit.com"
	// redditMaxPageSize はlistingエンドポイントの1リクエスト上限。
	redditMaxPageSize = 100
)

// imageExtensions は直接メディアリンクとして扱う拡張子。
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".mp4", ".webm"}

// RedditAdapter はReddit OAuth API（アプリ専用トークン）のアダプター。
// トークンは有効期限付きでキャッシュし、失効時に再取得する。
type RedditAdapter struct {
	httpClient   *http.Client
	logger       *slog.Logger
	clientID     string
	clientSecret string
	userAgent    string
	authURL      string // テスト用に差し替え可能
	baseURL      string // テスト用に差し替え可能

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewRedditAdapter はRedditAdapterの新しいインスタンスを生成する。
func NewRedditAdapter(httpClient *http.Client, logger *slog.Logger, clientID, clientSecret, userAgent string) *RedditAdapter {
	return &RedditAdapter{
		httpClient:   httpClient,
		logger:       logger,
		clientID:     clientID,
		clientSecret: clientSecret,
		userAgent:    userAgent,
		authURL:      redditDefaultAuthURL,
		baseURL:      redditDefaultBaseURL,
	}
}

// Platform はAdapterインターフェースを実装する。
func (a *RedditAdapter) Platform() model.Platform { return model.PlatformReddit }

// redditThing はlisting内の1エントリ（t3=submission, t1=comment）。
type redditThing struct {
	Kind string `json:"kind"`
	Data struct {
		ID            string  `json:"id"`
		Title         string  `json:"title"`
		Selftext      string  `json:"selftext"`
		Body          string  `json:"body"`
		URL           string  `json:"url"`
		Permalink     string  `json:"permalink"`
		Subreddit     string  `json:"subreddit"`
		Score         int64   `json:"score"`
		NumComments   int64   `json:"num_comments"`
		CreatedUTC    float64 `json:"created_utc"`
		IsSelf        bool    `json:"is_self"`
		IsGallery     bool    `json:"is_gallery"`
		MediaMetadata map[string]struct {
			S struct {
				U string `json:"u"`
			} `json:"s"`
		} `json:"media_metadata"`
	} `json:"data"`
}

type redditListing struct {
	Data struct {
		Children []redditThing `json:"children"`
		After    string        `json:"after"`
	} `json:"data"`
}

// Fetch はユーザープロフィール・サブミッション・コメントを取得し、
// 1つのアイテムストリームへ統合する。サーバー側のsinceフィルタがないため、
// sinceIDはクライアント側のカットで処理する。
func (a *RedditAdapter) Fetch(ctx context.Context, target model.Target, count int, sinceID string) (*model.FetchResult, error) {
	userInfo, err := a.fetchAbout(ctx, target)
	if err != nil {
		return nil, err
	}

	submissions, err := a.fetchListing(ctx, target, "submitted", count)
	if err != nil {
		return nil, err
	}
	comments, err := a.fetchListing(ctx, target, "comments", count)
	if err != nil {
		return nil, err
	}

	items := append(submissions, comments...)
	items = cutAtSinceID(sortNewestFirst(items), sinceID)

	a.logger.Info("reddit fetch completed",
		slog.String("username", target.Username),
		slog.Int("submissions", len(submissions)),
		slog.Int("comments", len(comments)),
	)

	return &model.FetchResult{Items: items, UserInfo: userInfo}, nil
}

func (a *RedditAdapter) fetchAbout(ctx context.Context, target model.Target) (*model.UserInfo, error) {
	endpoint := fmt.Sprintf("%s/user/%s/about?raw_json=1", a.baseURL, url.PathEscape(target.Username))

	var body struct {
		Data struct {
			ID           string  `json:"id"`
			Name         string  `json:"name"`
			LinkKarma    int64   `json:"link_karma"`
			CommentKarma int64   `json:"comment_karma"`
			CreatedUTC   float64 `json:"created_utc"`
			Subreddit    struct {
				PublicDescription string `json:"public_description"`
			} `json:"subreddit"`
		} `json:"data"`
	}
	if err := a.getJSON(ctx, target, endpoint, &body); err != nil {
		return nil, err
	}

	return &model.UserInfo{
		ID:        body.Data.ID,
		Username:  body.Data.Name,
		Bio:       body.Data.Subreddit.PublicDescription,
		CreatedAt: time.Unix(int64(body.Data.CreatedUTC), 0).UTC(),
		Metrics: map[string]int64{
			"link_karma":    body.Data.LinkKarma,
			"comment_karma": body.Data.CommentKarma,
		},
	}, nil
}

// fetchListing はsubmitted/commentsリスティングをafterカーソルでページングしながら取得する。
func (a *RedditAdapter) fetchListing(ctx context.Context, target model.Target, listing string, count int) ([]model.Item, error) {
	var items []model.Item
	after := ""

	for len(items) < count {
		pageSize := count - len(items)
		if pageSize > redditMaxPageSize {
			pageSize = redditMaxPageSize
		}

		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("sort", "new")
		q.Set("raw_json", "1")
		if after != "" {
			q.Set("after", after)
		}
		endpoint := fmt.Sprintf("%s/user/%s/%s?%s", a.baseURL, url.PathEscape(target.Username), listing, q.Encode())

		var page redditListing
		if err := a.getJSON(ctx, target, endpoint, &page); err != nil {
			return nil, err
		}
		if len(page.Data.Children) == 0 {
			break
		}

		for _, child := range page.Data.Children {
			if len(items) >= count {
				break
			}
			items = append(items, a.convertThing(child))
		}

		after = page.Data.After
		if after == "" {
			break
		}
	}

	return items, nil
}

// convertThing はlistingエントリをItemへ変換する。
// ギャラリー投稿はN個のItemに分けず、複数メディアURLを持つ1つのItemに平坦化する。
func (a *RedditAdapter) convertThing(thing redditThing) model.Item {
	d := thing.Data
	item := model.Item{
		ID:        d.ID,
		CreatedAt: time.Unix(int64(d.CreatedUTC), 0).UTC(),
		Context:   "r/" + d.Subreddit,
		URL:       "https://www.reddit.com" + d.Permalink,
		Metrics:   map[string]int64{"score": d.Score},
	}

	if thing.Kind == "t1" {
		item.Kind = "comment"
		item.Text = d.Body
		item.OutboundURLs = ExtractURLs(d.Body)
		return item
	}

	item.Kind = "submission"
	item.Title = d.Title
	item.Text = d.Selftext
	item.Metrics["comments"] = d.NumComments
	item.OutboundURLs = ExtractURLs(d.Selftext)

	switch {
	case d.IsGallery && len(d.MediaMetadata) > 0:
		for _, meta := range d.MediaMetadata {
			if meta.S.U != "" {
				// media_metadata内のURLはHTMLエスケープ済みで返る
				item.MediaURLs = append(item.MediaURLs, html.UnescapeString(meta.S.U))
			}
		}
	case !d.IsSelf && isDirectMediaURL(d.URL):
		item.MediaURLs = append(item.MediaURLs, d.URL)
	case !d.IsSelf && d.URL != "":
		// 外部リンク投稿: リンク先を共有ドメイン集計の対象に含める
		item.OutboundURLs = append(item.OutboundURLs, d.URL)
	}

	return item
}

// getJSON はOAuthトークンを付与してJSONレスポンスを取得する。
func (a *RedditAdapter) getJSON(ctx context.Context, target model.Target, endpoint string, out any) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &model.AdapterError{Platform: string(model.PlatformReddit), Message: "failed to build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return wrapTransient(string(model.PlatformReddit), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyResponse(string(model.PlatformReddit), target, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapTransient(string(model.PlatformReddit), err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &model.AdapterError{Platform: string(model.PlatformReddit), Message: "failed to parse response", Err: err}
	}
	return nil
}

// accessToken はアプリ専用OAuthトークンを返す。失効が近い場合は再取得する。
func (a *RedditAdapter) accessToken(ctx context.Context) (string, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	if a.token != "" && time.Now().Before(a.tokenExpiry.Add(-time.Minute)) {
		return a.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &model.AdapterError{Platform: string(model.PlatformReddit), Message: "failed to build token request", Err: err}
	}
	req.SetBasicAuth(a.clientID, a.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", wrapTransient(string(model.PlatformReddit), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", &model.InvalidAuthError{Platform: string(model.PlatformReddit), Reason: "client credentials rejected"}
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyResponse(string(model.PlatformReddit), model.Target{Platform: model.PlatformReddit}, resp)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", &model.AdapterError{Platform: string(model.PlatformReddit), Message: "failed to parse token response", Err: err}
	}
	if tokenResp.AccessToken == "" {
		return "", &model.InvalidAuthError{Platform: string(model.PlatformReddit), Reason: "empty access token in response"}
	}

	a.token = tokenResp.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	a.logger.Debug("reddit access token refreshed",
		slog.Time("expires_at", a.tokenExpiry),
	)
	return a.token, nil
}

// isDirectMediaURL はURLが直接メディアリンクかを拡張子で判定する。
func isDirectMediaURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
