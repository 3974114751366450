package platform

import (
	"reflect"
	"testing"
	"time"

	"github.com/hitoshi/sociolens/internal/model"
)

func TestExtractURLs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "空テキスト",
			text: "",
			want: nil,
		},
		{
			name: "URLなし",
			text: "ただのテキスト",
			want: nil,
		},
		{
			name: "単一URL",
			text: "see https://example.com/post for details",
			want: []string{"https://example.com/post"},
		},
		{
			name: "末尾句読点の除去",
			text: "read https://example.com/a. and (https://example.com/b)",
			want: []string{"https://example.com/a", "https://example.com/b"},
		},
		{
			name: "重複除去と出現順の維持",
			text: "https://b.example https://a.example https://b.example",
			want: []string{"https://b.example", "https://a.example"},
		},
		{
			name: "httpも対象",
			text: "old link http://example.org/page",
			want: []string{"http://example.org/page"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractURLs(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractURLs(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestSortNewestFirst(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	items := []model.Item{
		{ID: "old", CreatedAt: base.Add(-2 * time.Hour)},
		{ID: "new", CreatedAt: base},
		{ID: "same-a", CreatedAt: base.Add(-time.Hour)},
		{ID: "same-b", CreatedAt: base.Add(-time.Hour)},
	}

	got := sortNewestFirst(items)

	wantOrder := []string{"new", "same-a", "same-b", "old"}
	if len(got) != len(wantOrder) {
		t.Fatalf("アイテム数 = %d, want %d", len(got), len(wantOrder))
	}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("items[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}

	if empty := sortNewestFirst(nil); len(empty) != 0 {
		t.Errorf("空入力の結果 = %v, want 空", empty)
	}
}
