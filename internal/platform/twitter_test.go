package platform

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/sociolens/internal/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

const twitterUserJSON = `{
	"data": {
		"id": "12345",
		"name": "Alice",
		"username": "alice",
		"created_at": "2020-01-15T10:00:00.000Z",
		"description": "engineer",
		"public_metrics": {"followers_count": 100, "following_count": 50, "tweet_count": 2000}
	}
}`

func TestTwitterAdapter_Fetch(t *testing.T) {
	var gotSinceID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer test-token")
		}
		switch r.URL.Path {
		case "/users/by/username/alice":
			io.WriteString(w, twitterUserJSON)
		case "/users/12345/tweets":
			gotSinceID = r.URL.Query().Get("since_id")
			io.WriteString(w, `{
				"data": [
					{
						"id": "200",
						"text": "new post https://t.co/abc",
						"created_at": "2025-06-01T12:00:00.000Z",
						"public_metrics": {"like_count": 10, "retweet_count": 2},
						"attachments": {"media_keys": ["3_111"]},
						"entities": {
							"urls": [{"expanded_url": "https://example.com/article"}],
							"mentions": [{"username": "bob"}]
						}
					},
					{"id": "100", "text": "old post", "created_at": "2025-05-31T12:00:00.000Z"}
				],
				"includes": {"media": [{"media_key": "3_111", "type": "photo", "url": "https://pbs.example/img.jpg"}]},
				"meta": {}
			}`)
		default:
			t.Errorf("想定外のリクエストパス: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	a := NewTwitterAdapter(server.Client(), newTestLogger(), "test-token")
	a.baseURL = server.URL

	target, _ := model.NewTarget(model.PlatformTwitter, "alice")
	result, err := a.Fetch(context.Background(), target, 50, "99")
	if err != nil {
		t.Fatalf("Fetch がエラーを返した: %v", err)
	}

	if result.UserInfo == nil || result.UserInfo.Username != "alice" {
		t.Fatalf("UserInfo = %+v, want alice", result.UserInfo)
	}
	if result.UserInfo.Metrics["followers"] != 100 {
		t.Errorf("followers = %d, want 100", result.UserInfo.Metrics["followers"])
	}

	if len(result.Items) != 2 {
		t.Fatalf("アイテム数 = %d, want 2", len(result.Items))
	}
	first := result.Items[0]
	if first.ID != "200" || first.Kind != "tweet" {
		t.Errorf("Items[0] = %s/%s, want 200/tweet", first.ID, first.Kind)
	}
	if len(first.MediaURLs) != 1 || first.MediaURLs[0] != "https://pbs.example/img.jpg" {
		t.Errorf("MediaURLs = %v, want 展開済みメディアURL", first.MediaURLs)
	}
	if len(first.OutboundURLs) != 1 || first.OutboundURLs[0] != "https://example.com/article" {
		t.Errorf("OutboundURLs = %v, want entities由来の展開URL", first.OutboundURLs)
	}
	if first.URL != "https://x.com/alice/status/200" {
		t.Errorf("URL = %q, want 正規化されたパーマリンク", first.URL)
	}

	// サーバー側since_idフィルタを使用すること
	if gotSinceID != "99" {
		t.Errorf("since_id = %q, want %q", gotSinceID, "99")
	}
}

func TestTwitterAdapter_Fetch_UserNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Twitterは未知ユーザーでも200とerrors配列を返すことがある
		io.WriteString(w, `{"errors": [{"title": "Not Found Error"}]}`)
	}))
	defer server.Close()

	a := NewTwitterAdapter(server.Client(), newTestLogger(), "test-token")
	a.baseURL = server.URL

	target, _ := model.NewTarget(model.PlatformTwitter, "ghost")
	_, err := a.Fetch(context.Background(), target, 50, "")

	var nfe *model.NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("エラー型 = %T, want *model.NotFoundError", err)
	}
}

func TestTwitterAdapter_Fetch_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rate-limit-reset", "1748779200")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	a := NewTwitterAdapter(server.Client(), newTestLogger(), "test-token")
	a.baseURL = server.URL

	target, _ := model.NewTarget(model.PlatformTwitter, "alice")
	_, err := a.Fetch(context.Background(), target, 50, "")

	rle, ok := model.IsRateLimit(err)
	if !ok {
		t.Fatalf("エラー型 = %T, want *model.RateLimitError", err)
	}
	if rle.ResetAt.Unix() != 1748779200 {
		t.Errorf("ResetAt = %v, want unix 1748779200", rle.ResetAt)
	}
}

func TestTwitterAdapter_Fetch_Pagination(t *testing.T) {
	pageCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/by/username/alice":
			io.WriteString(w, twitterUserJSON)
		case "/users/12345/tweets":
			pageCount++
			if r.URL.Query().Get("pagination_token") == "" {
				io.WriteString(w, `{
					"data": [{"id": "3", "text": "c", "created_at": "2025-06-01T12:00:00.000Z"},
					         {"id": "2", "text": "b", "created_at": "2025-06-01T11:00:00.000Z"}],
					"meta": {"next_token": "page2"}
				}`)
				return
			}
			io.WriteString(w, `{
				"data": [{"id": "1", "text": "a", "created_at": "2025-06-01T10:00:00.000Z"}],
				"meta": {}
			}`)
		}
	}))
	defer server.Close()

	a := NewTwitterAdapter(server.Client(), newTestLogger(), "test-token")
	a.baseURL = server.URL

	target, _ := model.NewTarget(model.PlatformTwitter, "alice")
	result, err := a.Fetch(context.Background(), target, 3, "")
	if err != nil {
		t.Fatalf("Fetch がエラーを返した: %v", err)
	}
	if pageCount != 2 {
		t.Errorf("ページ数 = %d, want 2", pageCount)
	}
	if len(result.Items) != 3 {
		t.Errorf("アイテム数 = %d, want 3", len(result.Items))
	}
}
