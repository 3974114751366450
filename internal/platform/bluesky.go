package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	blueskyDefaultBaseURL = "https://bsky.social/xrpc"
	// blueskyMaxPageSize はgetAuthorFeedのlimit上限。
	blueskyMaxPageSize = 100
)

// BlueskyAdapter はBluesky（AT Protocol XRPC）のアダプター。
// identifier/appパスワードでセッションを作成し、accessJwtで認証する。
type BlueskyAdapter struct {
	httpClient *http.Client
	logger     *slog.Logger
	identifier string
	password   string
	baseURL    string // テスト用に差し替え可能

	sessionMu sync.Mutex
	accessJwt string
}

// NewBlueskyAdapter はBlueskyAdapterの新しいインスタンスを生成する。
func NewBlueskyAdapter(httpClient *http.Client, logger *slog.Logger, identifier, password string) *BlueskyAdapter {
	return &BlueskyAdapter{
		httpClient: httpClient,
		logger:     logger,
		identifier: identifier,
		password:   password,
		baseURL:    blueskyDefaultBaseURL,
	}
}

// Platform はAdapterインターフェースを実装する。
func (a *BlueskyAdapter) Platform() model.Platform { return model.PlatformBluesky }

// MediaAuthorization はメディアダウンロード用のAuthorizationヘッダー値を返す。
// BlueskyのCDN画像は認証不要なため空を返す。
func (a *BlueskyAdapter) MediaAuthorization() string { return "" }

// blueskyFeedItem はgetAuthorFeedの1エントリ。
type blueskyFeedItem struct {
	Post struct {
		URI    string `json:"uri"`
		CID    string `json:"cid"`
		Author struct {
			DID    string `json:"did"`
			Handle string `json:"handle"`
		} `json:"author"`
		Record struct {
			Text      string `json:"text"`
			CreatedAt string `json:"createdAt"`
			Facets    []struct {
				Features []struct {
					Type string `json:"$type"`
					URI  string `json:"uri"`
					DID  string `json:"did"`
				} `json:"features"`
			} `json:"facets"`
		} `json:"record"`
		Embed struct {
			Type   string `json:"$type"`
			Images []struct {
				Fullsize string `json:"fullsize"`
			} `json:"images"`
			External struct {
				URI string `json:"uri"`
			} `json:"external"`
		} `json:"embed"`
		LikeCount   int64 `json:"likeCount"`
		RepostCount int64 `json:"repostCount"`
		ReplyCount  int64 `json:"replyCount"`
		QuoteCount  int64 `json:"quoteCount"`
	} `json:"post"`
	Reason *struct {
		Type string `json:"$type"`
		By   struct {
			Handle string `json:"handle"`
		} `json:"by"`
	} `json:"reason"`
}

// Fetch はプロフィールとフィード（リポスト含む）を取得する。
// サーバー側のsinceフィルタがないため、カーソルでページングしながら
// sinceIDに到達した時点で打ち切る。
func (a *BlueskyAdapter) Fetch(ctx context.Context, target model.Target, count int, sinceID string) (*model.FetchResult, error) {
	userInfo, err := a.fetchProfile(ctx, target)
	if err != nil {
		return nil, err
	}

	var items []model.Item
	cursor := ""

pages:
	for len(items) < count {
		pageSize := count - len(items)
		if pageSize > blueskyMaxPageSize {
			pageSize = blueskyMaxPageSize
		}

		q := url.Values{}
		q.Set("actor", target.Username)
		q.Set("limit", strconv.Itoa(pageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		endpoint := fmt.Sprintf("%s/app.bsky.feed.getAuthorFeed?%s", a.baseURL, q.Encode())

		var page struct {
			Feed   []blueskyFeedItem `json:"feed"`
			Cursor string            `json:"cursor"`
		}
		if err := a.getJSON(ctx, target, endpoint, &page); err != nil {
			return nil, err
		}
		if len(page.Feed) == 0 {
			break
		}

		for _, entry := range page.Feed {
			if len(items) >= count {
				break pages
			}
			item := a.convertFeedItem(entry)
			if sinceID != "" && item.ID == sinceID {
				break pages
			}
			items = append(items, item)
		}

		cursor = page.Cursor
		if cursor == "" {
			break
		}
	}

	a.logger.Info("bluesky fetch completed",
		slog.String("username", target.Username),
		slog.Int("items", len(items)),
	)

	return &model.FetchResult{Items: items, UserInfo: userInfo}, nil
}

func (a *BlueskyAdapter) fetchProfile(ctx context.Context, target model.Target) (*model.UserInfo, error) {
	endpoint := fmt.Sprintf("%s/app.bsky.actor.getProfile?actor=%s", a.baseURL, url.QueryEscape(target.Username))

	var body struct {
		DID            string `json:"did"`
		Handle         string `json:"handle"`
		DisplayName    string `json:"displayName"`
		Description    string `json:"description"`
		CreatedAt      string `json:"createdAt"`
		FollowersCount int64  `json:"followersCount"`
		FollowsCount   int64  `json:"followsCount"`
		PostsCount     int64  `json:"postsCount"`
	}
	if err := a.getJSON(ctx, target, endpoint, &body); err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339, body.CreatedAt)
	if err != nil {
		createdAt = time.Time{}
	}

	return &model.UserInfo{
		ID:          body.DID,
		Username:    body.Handle,
		DisplayName: body.DisplayName,
		Bio:         body.Description,
		CreatedAt:   createdAt.UTC(),
		Metrics: map[string]int64{
			"followers": body.FollowersCount,
			"following": body.FollowsCount,
			"posts":     body.PostsCount,
		},
	}, nil
}

// convertFeedItem はフィードエントリをItemへ変換する。
// IDはAT URIのrkey部ではなくURI全体を使う（フィード内で一意）。
func (a *BlueskyAdapter) convertFeedItem(entry blueskyFeedItem) model.Item {
	p := entry.Post

	item := model.Item{
		ID:        p.URI,
		Kind:      "post",
		CreatedAt: parseTwitterTime(p.Record.CreatedAt),
		Text:      p.Record.Text,
		URL:       blueskyWebURL(p.Author.Handle, p.URI),
		Metrics: map[string]int64{
			"likes":   p.LikeCount,
			"reposts": p.RepostCount,
			"replies": p.ReplyCount,
			"quotes":  p.QuoteCount,
		},
	}

	if entry.Reason != nil && entry.Reason.Type == "app.bsky.feed.defs#reasonRepost" {
		item.IsRepost = true
		item.RepostAuthor = p.Author.Handle
	}

	for _, img := range p.Embed.Images {
		if img.Fullsize != "" {
			item.MediaURLs = append(item.MediaURLs, img.Fullsize)
		}
	}
	if p.Embed.External.URI != "" {
		item.OutboundURLs = append(item.OutboundURLs, p.Embed.External.URI)
	}

	for _, facet := range p.Record.Facets {
		for _, f := range facet.Features {
			switch f.Type {
			case "app.bsky.richtext.facet#link":
				if f.URI != "" {
					item.OutboundURLs = append(item.OutboundURLs, f.URI)
				}
			case "app.bsky.richtext.facet#mention":
				if f.DID != "" {
					item.Mentions = append(item.Mentions, f.DID)
				}
			}
		}
	}

	return item
}

// blueskyWebURL はAT URI（at://did/app.bsky.feed.post/rkey）をWeb URLへ変換する。
func blueskyWebURL(handle, atURI string) string {
	rkey := atURI
	if idx := strings.LastIndexByte(atURI, '/'); idx >= 0 {
		rkey = atURI[idx+1:]
	}
	return "https://bsky.app/profile/" + handle + "/post/" + rkey
}

// getJSON はセッショントークンを付与してJSONレスポンスを取得する。
// 401はセッション失効の可能性があるため一度だけ再認証してリトライする。
func (a *BlueskyAdapter) getJSON(ctx context.Context, target model.Target, endpoint string, out any) error {
	err := a.doGetJSON(ctx, target, endpoint, out, false)
	var authErr *model.InvalidAuthError
	if errors.As(err, &authErr) {
		return a.doGetJSON(ctx, target, endpoint, out, true)
	}
	return err
}

func (a *BlueskyAdapter) doGetJSON(ctx context.Context, target model.Target, endpoint string, out any, forceAuth bool) error {
	jwt, err := a.session(ctx, forceAuth)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &model.AdapterError{Platform: string(model.PlatformBluesky), Message: "failed to build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("User-Agent", "sociolens/1.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return wrapTransient(string(model.PlatformBluesky), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.classifyXRPC(target, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapTransient(string(model.PlatformBluesky), err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &model.AdapterError{Platform: string(model.PlatformBluesky), Message: "failed to parse response", Err: err}
	}
	return nil
}

// classifyXRPC はXRPCのエラーレスポンスを分類する。400でもエラー名が
// 本文に入るため（InvalidRequest/ProfileNotFound等）、本文も見て判定する。
func (a *BlueskyAdapter) classifyXRPC(target model.Target, resp *http.Response) error {
	var xrpcErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(body, &xrpcErr)

	switch xrpcErr.Error {
	case "ProfileNotFound", "ActorNotFound", "InvalidRequest":
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
			return &model.NotFoundError{Platform: string(model.PlatformBluesky), Username: target.Username}
		}
	case "AuthenticationRequired", "ExpiredToken", "InvalidToken":
		return &model.InvalidAuthError{Platform: string(model.PlatformBluesky), Reason: xrpcErr.Message}
	case "BlockedActor", "BlockedByActor":
		return &model.ForbiddenError{Platform: string(model.PlatformBluesky), Username: target.Username}
	}

	return classifyResponse(string(model.PlatformBluesky), target, resp)
}

// session は有効なaccessJwtを返す。未取得またはforce指定時はcreateSessionを呼ぶ。
func (a *BlueskyAdapter) session(ctx context.Context, force bool) (string, error) {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()

	if a.accessJwt != "" && !force {
		return a.accessJwt, nil
	}

	payload, err := json.Marshal(map[string]string{
		"identifier": a.identifier,
		"password":   a.password,
	})
	if err != nil {
		return "", &model.AdapterError{Platform: string(model.PlatformBluesky), Message: "failed to encode session request", Err: err}
	}

	endpoint := a.baseURL + "/com.atproto.server.createSession"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &model.AdapterError{Platform: string(model.PlatformBluesky), Message: "failed to build session request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sociolens/1.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", wrapTransient(string(model.PlatformBluesky), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return "", &model.InvalidAuthError{Platform: string(model.PlatformBluesky), Reason: "identifier or app password rejected"}
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyResponse(string(model.PlatformBluesky), model.Target{Platform: model.PlatformBluesky}, resp)
	}

	var session struct {
		AccessJwt string `json:"accessJwt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", &model.AdapterError{Platform: string(model.PlatformBluesky), Message: "failed to parse session response", Err: err}
	}
	if session.AccessJwt == "" {
		return "", &model.InvalidAuthError{Platform: string(model.PlatformBluesky), Reason: "empty access token in session response"}
	}

	a.accessJwt = session.AccessJwt
	a.logger.Debug("bluesky session created")
	return a.accessJwt, nil
}
