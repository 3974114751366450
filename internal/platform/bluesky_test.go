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

const blueskyProfileJSON = `{
	"did": "did:plc:abc123",
	"handle": "alice.bsky.social",
	"displayName": "Alice",
	"description": "photographer",
	"createdAt": "2023-04-01T00:00:00.000Z",
	"followersCount": 300,
	"followsCount": 150,
	"postsCount": 1200
}`

func newBlueskyTestAdapter(t *testing.T, handler http.HandlerFunc) *BlueskyAdapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a := NewBlueskyAdapter(server.Client(), newTestLogger(), "bot.bsky.social", "app-password")
	a.baseURL = server.URL
	return a
}

func TestBlueskyAdapter_Fetch(t *testing.T) {
	sessionRequests := 0
	a := newBlueskyTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/com.atproto.server.createSession":
			sessionRequests++
			io.WriteString(w, `{"accessJwt": "jwt-1"}`)
		case "/app.bsky.actor.getProfile":
			io.WriteString(w, blueskyProfileJSON)
		case "/app.bsky.feed.getAuthorFeed":
			if got := r.Header.Get("Authorization"); got != "Bearer jwt-1" {
				t.Errorf("Authorization = %q, want %q", got, "Bearer jwt-1")
			}
			io.WriteString(w, `{
				"feed": [
					{
						"post": {
							"uri": "at://did:plc:abc123/app.bsky.feed.post/3k2a",
							"author": {"did": "did:plc:abc123", "handle": "alice.bsky.social"},
							"record": {
								"text": "sunset photos",
								"createdAt": "2025-06-01T12:00:00.000Z",
								"facets": [{"features": [{"$type": "app.bsky.richtext.facet#link", "uri": "https://example.com/gallery"}]}]
							},
							"embed": {"$type": "app.bsky.embed.images#view", "images": [{"fullsize": "https://cdn.bsky.app/img/full.jpg"}]},
							"likeCount": 12
						}
					},
					{
						"post": {
							"uri": "at://did:plc:other/app.bsky.feed.post/9z1b",
							"author": {"did": "did:plc:other", "handle": "bob.bsky.social"},
							"record": {"text": "reposted thing", "createdAt": "2025-06-01T11:00:00.000Z"}
						},
						"reason": {"$type": "app.bsky.feed.defs#reasonRepost", "by": {"handle": "alice.bsky.social"}}
					}
				],
				"cursor": ""
			}`)
		default:
			t.Errorf("想定外のリクエストパス: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	target, _ := model.NewTarget(model.PlatformBluesky, "alice.bsky.social")
	result, err := a.Fetch(context.Background(), target, 50, "")
	if err != nil {
		t.Fatalf("Fetch がエラーを返した: %v", err)
	}

	if sessionRequests != 1 {
		t.Errorf("セッション作成回数 = %d, want 1（キャッシュされるべき）", sessionRequests)
	}
	if result.UserInfo == nil || result.UserInfo.ID != "did:plc:abc123" {
		t.Fatalf("UserInfo = %+v, want DID", result.UserInfo)
	}

	if len(result.Items) != 2 {
		t.Fatalf("アイテム数 = %d, want 2", len(result.Items))
	}

	post := result.Items[0]
	if post.ID != "at://did:plc:abc123/app.bsky.feed.post/3k2a" {
		t.Errorf("ID = %q, want AT URI全体", post.ID)
	}
	if post.URL != "https://bsky.app/profile/alice.bsky.social/post/3k2a" {
		t.Errorf("URL = %q, want Web URL", post.URL)
	}
	if len(post.MediaURLs) != 1 || post.MediaURLs[0] != "https://cdn.bsky.app/img/full.jpg" {
		t.Errorf("MediaURLs = %v, want 埋め込み画像", post.MediaURLs)
	}
	if len(post.OutboundURLs) != 1 || post.OutboundURLs[0] != "https://example.com/gallery" {
		t.Errorf("OutboundURLs = %v, want facetリンク", post.OutboundURLs)
	}

	repost := result.Items[1]
	if !repost.IsRepost || repost.RepostAuthor != "bob.bsky.social" {
		t.Errorf("リポスト = %v/%q, want IsRepost=true, 元投稿者のハンドル", repost.IsRepost, repost.RepostAuthor)
	}
}

func TestBlueskyAdapter_Fetch_StopsAtSinceID(t *testing.T) {
	feedRequests := 0
	a := newBlueskyTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/com.atproto.server.createSession":
			io.WriteString(w, `{"accessJwt": "jwt-1"}`)
		case "/app.bsky.actor.getProfile":
			io.WriteString(w, blueskyProfileJSON)
		case "/app.bsky.feed.getAuthorFeed":
			feedRequests++
			io.WriteString(w, `{
				"feed": [
					{"post": {"uri": "at://x/app.bsky.feed.post/3", "author": {"handle": "alice.bsky.social"}, "record": {"text": "c", "createdAt": "2025-06-01T12:00:00.000Z"}}},
					{"post": {"uri": "at://x/app.bsky.feed.post/2", "author": {"handle": "alice.bsky.social"}, "record": {"text": "b", "createdAt": "2025-06-01T11:00:00.000Z"}}},
					{"post": {"uri": "at://x/app.bsky.feed.post/1", "author": {"handle": "alice.bsky.social"}, "record": {"text": "a", "createdAt": "2025-06-01T10:00:00.000Z"}}}
				],
				"cursor": "next"
			}`)
		}
	})

	target, _ := model.NewTarget(model.PlatformBluesky, "alice.bsky.social")
	result, err := a.Fetch(context.Background(), target, 50, "at://x/app.bsky.feed.post/2")
	if err != nil {
		t.Fatalf("Fetch がエラーを返した: %v", err)
	}

	// sinceIDに到達した時点でページングを打ち切る
	if feedRequests != 1 {
		t.Errorf("フィードリクエスト回数 = %d, want 1", feedRequests)
	}
	if len(result.Items) != 1 || result.Items[0].ID != "at://x/app.bsky.feed.post/3" {
		t.Errorf("Items = %+v, want 新しい1件のみ", result.Items)
	}
}

func TestBlueskyAdapter_Fetch_ReauthenticatesOnExpiredToken(t *testing.T) {
	sessionRequests := 0
	a := newBlueskyTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/com.atproto.server.createSession":
			sessionRequests++
			if sessionRequests == 1 {
				io.WriteString(w, `{"accessJwt": "stale-jwt"}`)
			} else {
				io.WriteString(w, `{"accessJwt": "fresh-jwt"}`)
			}
		case "/app.bsky.actor.getProfile":
			if r.Header.Get("Authorization") == "Bearer stale-jwt" {
				w.WriteHeader(http.StatusUnauthorized)
				io.WriteString(w, `{"error": "ExpiredToken", "message": "token has expired"}`)
				return
			}
			io.WriteString(w, blueskyProfileJSON)
		case "/app.bsky.feed.getAuthorFeed":
			io.WriteString(w, `{"feed": [], "cursor": ""}`)
		}
	})

	target, _ := model.NewTarget(model.PlatformBluesky, "alice.bsky.social")
	result, err := a.Fetch(context.Background(), target, 50, "")
	if err != nil {
		t.Fatalf("セッション失効時は一度だけ再認証すべき: %v", err)
	}
	if sessionRequests != 2 {
		t.Errorf("セッション作成回数 = %d, want 2", sessionRequests)
	}
	if result.UserInfo == nil {
		t.Error("再認証後のフェッチは成功すべき")
	}
}

func TestBlueskyAdapter_Fetch_ActorNotFound(t *testing.T) {
	a := newBlueskyTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/com.atproto.server.createSession":
			io.WriteString(w, `{"accessJwt": "jwt-1"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error": "InvalidRequest", "message": "Profile not found"}`)
		}
	})

	target, _ := model.NewTarget(model.PlatformBluesky, "ghost.bsky.social")
	_, err := a.Fetch(context.Background(), target, 50, "")

	var nfe *model.NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("エラー型 = %T, want *model.NotFoundError", err)
	}
}
