package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/sociolens/internal/cache"
	"github.com/hitoshi/sociolens/internal/model"
)

func TestCacheHandler_List(t *testing.T) {
	store, err := cache.NewStore(t.TempDir(), 24*time.Hour, 200)
	if err != nil {
		t.Fatalf("NewStore がエラーを返した: %v", err)
	}

	now := time.Now().UTC()
	fresh, _ := model.NewTarget(model.PlatformTwitter, "alice")
	stale, _ := model.NewTarget(model.PlatformReddit, "bob")
	if err := store.Write(fresh, &model.CachedRecord{
		FetchedAt: now.Add(-time.Hour),
		Items:     []model.Item{{ID: "1", CreatedAt: now}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(stale, &model.CachedRecord{
		FetchedAt: now.Add(-48 * time.Hour),
		Items:     []model.Item{{ID: "2", CreatedAt: now}, {ID: "1", CreatedAt: now}},
	}); err != nil {
		t.Fatal(err)
	}

	h := NewCacheHandler(store)
	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/cache", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("ステータス = %d, want 200", rec.Code)
	}

	var resp struct {
		Entries []CacheEntryView `json:"entries"`
		Count   int              `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("エントリ数 = %d, want 2", resp.Count)
	}

	byTarget := make(map[string]CacheEntryView)
	for _, e := range resp.Entries {
		byTarget[e.Target] = e
	}
	if e := byTarget["twitter/alice"]; !e.Fresh || e.Items != 1 {
		t.Errorf("twitter/alice = %+v, want fresh/1件", e)
	}
	if e := byTarget["reddit/bob"]; e.Fresh || e.Items != 2 {
		t.Errorf("reddit/bob = %+v, want stale/2件", e)
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("ステータス = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}
