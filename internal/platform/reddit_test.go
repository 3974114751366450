package platform

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/sociolens/internal/model"
)

// newRedditTestServer はトークン発行とlistingを1サーバーでまとめて提供する。
func newRedditTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *RedditAdapter) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a := NewRedditAdapter(server.Client(), newTestLogger(), "client-id", "client-secret", "test-agent/1.0")
	a.authURL = server.URL + "/api/v1/access_token"
	a.baseURL = server.URL
	return server, a
}

func redditTokenHandler(t *testing.T, w http.ResponseWriter, r *http.Request) {
	t.Helper()
	user, pass, ok := r.BasicAuth()
	if !ok || user != "client-id" || pass != "client-secret" {
		t.Errorf("Basic認証 = %q/%q, want client-id/client-secret", user, pass)
	}
	if err := r.ParseForm(); err == nil {
		if got := r.Form.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q, want %q", got, "client_credentials")
		}
	}
	io.WriteString(w, `{"access_token": "app-token", "expires_in": 3600}`)
}

func TestRedditAdapter_Fetch(t *testing.T) {
	tokenRequests := 0
	_, a := newRedditTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/access_token":
			tokenRequests++
			redditTokenHandler(t, w, r)
		case "/user/spez/about":
			io.WriteString(w, `{"data": {"id": "u1", "name": "spez", "link_karma": 100, "comment_karma": 200, "created_utc": 1119600000, "subreddit": {"public_description": "admin"}}}`)
		case "/user/spez/submitted":
			if got := r.Header.Get("Authorization"); got != "Bearer app-token" {
				t.Errorf("Authorization = %q, want %q", got, "Bearer app-token")
			}
			io.WriteString(w, `{"data": {"children": [
				{"kind": "t3", "data": {"id": "s1", "title": "link post", "url": "https://example.com/story", "permalink": "/r/golang/comments/s1/", "subreddit": "golang", "score": 42, "num_comments": 7, "created_utc": 1748779200, "is_self": false}}
			], "after": ""}}`)
		case "/user/spez/comments":
			io.WriteString(w, `{"data": {"children": [
				{"kind": "t1", "data": {"id": "c1", "body": "a comment with https://golang.org/doc", "permalink": "/r/golang/comments/x/c1/", "subreddit": "golang", "score": 5, "created_utc": 1748782800}}
			], "after": ""}}`)
		default:
			t.Errorf("想定外のリクエストパス: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	target, _ := model.NewTarget(model.PlatformReddit, "spez")
	result, err := a.Fetch(context.Background(), target, 50, "")
	if err != nil {
		t.Fatalf("Fetch がエラーを返した: %v", err)
	}

	if tokenRequests != 1 {
		t.Errorf("トークン取得回数 = %d, want 1（キャッシュされるべき）", tokenRequests)
	}
	if result.UserInfo == nil || result.UserInfo.Metrics["link_karma"] != 100 {
		t.Errorf("UserInfo = %+v, want link_karma=100", result.UserInfo)
	}

	if len(result.Items) != 2 {
		t.Fatalf("アイテム数 = %d, want 2", len(result.Items))
	}
	// 新しい順: コメント(1748782800)がサブミッション(1748779200)より先
	if result.Items[0].Kind != "comment" || result.Items[1].Kind != "submission" {
		t.Errorf("種別順 = %s, %s, want comment, submission", result.Items[0].Kind, result.Items[1].Kind)
	}

	comment := result.Items[0]
	if len(comment.OutboundURLs) != 1 || comment.OutboundURLs[0] != "https://golang.org/doc" {
		t.Errorf("コメントのOutboundURLs = %v, want 本文からの抽出", comment.OutboundURLs)
	}

	submission := result.Items[1]
	if submission.Context != "r/golang" {
		t.Errorf("Context = %q, want %q", submission.Context, "r/golang")
	}
	// 外部リンク投稿はリンク先を共有ドメイン集計対象へ
	if len(submission.OutboundURLs) != 1 || submission.OutboundURLs[0] != "https://example.com/story" {
		t.Errorf("サブミッションのOutboundURLs = %v, want リンク先URL", submission.OutboundURLs)
	}
	if submission.Metrics["comments"] != 7 {
		t.Errorf("comments = %d, want 7", submission.Metrics["comments"])
	}
}

func TestRedditAdapter_Fetch_GalleryFlattened(t *testing.T) {
	_, a := newRedditTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/access_token":
			redditTokenHandler(t, w, r)
		case "/user/alice/about":
			io.WriteString(w, `{"data": {"id": "u2", "name": "alice", "created_utc": 1119600000}}`)
		case "/user/alice/submitted":
			io.WriteString(w, `{"data": {"children": [
				{"kind": "t3", "data": {"id": "g1", "title": "gallery", "permalink": "/r/pics/comments/g1/", "subreddit": "pics", "created_utc": 1748779200, "is_gallery": true, "media_metadata": {
					"m1": {"s": {"u": "https://preview.example/a.jpg?width=640&amp;format=pjpg"}},
					"m2": {"s": {"u": "https://preview.example/b.jpg"}}
				}}}
			], "after": ""}}`)
		case "/user/alice/comments":
			io.WriteString(w, `{"data": {"children": [], "after": ""}}`)
		}
	})

	target, _ := model.NewTarget(model.PlatformReddit, "alice")
	result, err := a.Fetch(context.Background(), target, 50, "")
	if err != nil {
		t.Fatalf("Fetch がエラーを返した: %v", err)
	}

	// ギャラリーは複数メディアURLを持つ1アイテムへ平坦化
	if len(result.Items) != 1 {
		t.Fatalf("アイテム数 = %d, want 1", len(result.Items))
	}
	item := result.Items[0]
	if len(item.MediaURLs) != 2 {
		t.Fatalf("MediaURLs数 = %d, want 2", len(item.MediaURLs))
	}
	for _, u := range item.MediaURLs {
		if u == "https://preview.example/a.jpg?width=640&format=pjpg" {
			return // HTMLエスケープが復元されている
		}
	}
	t.Errorf("MediaURLs = %v, want &amp;が復元されたURLを含む", item.MediaURLs)
}

func TestRedditAdapter_Fetch_SinceIDCut(t *testing.T) {
	_, a := newRedditTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/access_token":
			redditTokenHandler(t, w, r)
		case "/user/spez/about":
			io.WriteString(w, `{"data": {"id": "u1", "name": "spez", "created_utc": 1119600000}}`)
		case "/user/spez/submitted":
			io.WriteString(w, `{"data": {"children": [
				{"kind": "t3", "data": {"id": "s3", "title": "newest", "permalink": "/p/3", "subreddit": "a", "created_utc": 1748786400, "is_self": true}},
				{"kind": "t3", "data": {"id": "s2", "title": "known", "permalink": "/p/2", "subreddit": "a", "created_utc": 1748782800, "is_self": true}},
				{"kind": "t3", "data": {"id": "s1", "title": "oldest", "permalink": "/p/1", "subreddit": "a", "created_utc": 1748779200, "is_self": true}}
			], "after": ""}}`)
		case "/user/spez/comments":
			io.WriteString(w, `{"data": {"children": [], "after": ""}}`)
		}
	})

	target, _ := model.NewTarget(model.PlatformReddit, "spez")
	result, err := a.Fetch(context.Background(), target, 50, "s2")
	if err != nil {
		t.Fatalf("Fetch がエラーを返した: %v", err)
	}

	// sinceIDより新しいアイテムのみ（クライアント側カット）
	if len(result.Items) != 1 || result.Items[0].ID != "s3" {
		t.Errorf("Items = %+v, want s3の1件", result.Items)
	}
}

func TestRedditAdapter_InvalidCredentials(t *testing.T) {
	_, a := newRedditTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	target, _ := model.NewTarget(model.PlatformReddit, "spez")
	_, err := a.Fetch(context.Background(), target, 50, "")

	var iae *model.InvalidAuthError
	if !errors.As(err, &iae) {
		t.Fatalf("エラー型 = %T, want *model.InvalidAuthError", err)
	}
}
