package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/sociolens/internal/cache"
)

// CacheEntryView はGET /api/cacheの1エントリ。
type CacheEntryView struct {
	Target    string    `json:"target"`
	FetchedAt time.Time `json:"fetched_at"`
	Items     int       `json:"items"`
	Fresh     bool      `json:"fresh"`
}

// CacheHandler はキャッシュ状況エンドポイントのハンドラー。
type CacheHandler struct {
	store *cache.Store
}

// NewCacheHandler はCacheHandlerの新しいインスタンスを生成する。
func NewCacheHandler(store *cache.Store) *CacheHandler {
	return &CacheHandler{store: store}
}

// List はGET /api/cacheを処理し、全キャッシュレコードの概要を返す。
func (h *CacheHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list cache")
		return
	}

	now := time.Now().UTC()
	views := make([]CacheEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, CacheEntryView{
			Target:    e.Target.String(),
			FetchedAt: e.Record.FetchedAt,
			Items:     len(e.Record.Items),
			Fresh:     h.store.IsFresh(e.Record, now),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": views,
		"count":   len(views),
	})
}

// Health はGET /healthを処理する。
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
