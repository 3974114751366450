package report

import (
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/sociolens/internal/engine"
	"github.com/hitoshi/sociolens/internal/model"
)

func analyzedOutcome(t *testing.T, platform model.Platform, username string, items []model.Item) engine.Outcome {
	t.Helper()
	target, err := model.NewTarget(platform, username)
	if err != nil {
		t.Fatalf("NewTarget がエラーを返した: %v", err)
	}
	return engine.Outcome{
		Target: target,
		Status: engine.StatusAnalyzed,
		Record: &model.CachedRecord{
			FetchedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			Items:     items,
		},
	}
}

func TestFormat(t *testing.T) {
	now := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	outcomes := []engine.Outcome{
		analyzedOutcome(t, model.PlatformTwitter, "alice", []model.Item{
			{
				ID:           "1",
				Kind:         "tweet",
				CreatedAt:    now.Add(-time.Hour),
				Text:         "check this out",
				OutboundURLs: []string{"https://example.com/post"},
				Metrics:      map[string]int64{"likes": 3},
			},
		}),
		{
			Target: model.Target{Platform: model.PlatformReddit, Username: "bob"},
			Status: engine.StatusRateLimited,
			Reason: "rate limited",
		},
	}
	outcomes[0].MediaAnalyses = []engine.MediaAnalysis{
		{URL: "https://pbs.example/img.jpg", Description: "a sunset over the sea"},
	}

	got := Format(outcomes, now)

	if !strings.Contains(got, "## twitter/alice") {
		t.Error("ターゲット見出しが含まれるべき")
	}
	// レート制限ターゲットのデータは含まれない
	if strings.Contains(got, "reddit/bob") {
		t.Error("解析対象外ターゲットのブロックは含まれないべき")
	}
	if !strings.Contains(got, "check this out") {
		t.Error("アイテム本文が含まれるべき")
	}
	if !strings.Contains(got, "## Media Analysis") || !strings.Contains(got, "a sunset over the sea") {
		t.Error("メディア解析セクションが含まれるべき")
	}
	if !strings.Contains(got, "## Top Shared Domains") || !strings.Contains(got, "example.com (1)") {
		t.Error("共有ドメイン集計が含まれるべき")
	}
}

func TestFormat_CapsItemsPerTarget(t *testing.T) {
	now := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	var items []model.Item
	for i := 0; i < 40; i++ {
		items = append(items, model.Item{
			ID:        string(rune('a' + i%26)),
			Kind:      "tweet",
			CreatedAt: now.Add(-time.Duration(i) * time.Minute),
			Text:      "item",
		})
	}

	got := Format([]engine.Outcome{analyzedOutcome(t, model.PlatformTwitter, "alice", items)}, now)

	if !strings.Contains(got, "Items (25 of 40 cached):") {
		t.Errorf("ペイロードのアイテム数は25件に制限されるべき:\n%s", got)
	}
}

func TestCountSharedDomains(t *testing.T) {
	outcomes := []engine.Outcome{
		analyzedOutcome(t, model.PlatformTwitter, "alice", []model.Item{
			{ID: "1", OutboundURLs: []string{
				"https://blog.example.com/a",
				"https://www.example.com/b",
				"https://news.site.org/x",
				"https://twitter.com/someone/status/1",
			}},
		}),
		analyzedOutcome(t, model.PlatformReddit, "bob", []model.Item{
			{ID: "2", OutboundURLs: []string{"https://example.com/c"}},
		}),
	}

	counts := CountSharedDomains(outcomes)

	if len(counts) != 2 {
		t.Fatalf("ドメイン数 = %d, want 2: %+v", len(counts), counts)
	}
	// サブドメインはeTLD+1へ正規化して合算する
	if counts[0].Domain != "example.com" || counts[0].Count != 3 {
		t.Errorf("counts[0] = %+v, want example.com x3", counts[0])
	}
	if counts[1].Domain != "site.org" || counts[1].Count != 1 {
		t.Errorf("counts[1] = %+v, want site.org x1", counts[1])
	}
	// プラットフォーム自身のドメインは集計から除外する
	for _, dc := range counts {
		if dc.Domain == "twitter.com" {
			t.Error("twitter.comは除外されるべき")
		}
	}
}

func TestCountSharedDomains_TiebreakByFirstSeen(t *testing.T) {
	outcomes := []engine.Outcome{
		analyzedOutcome(t, model.PlatformTwitter, "alice", []model.Item{
			{ID: "1", OutboundURLs: []string{"https://first.example/a", "https://second.example/b"}},
		}),
	}

	counts := CountSharedDomains(outcomes)
	if len(counts) != 2 {
		t.Fatalf("ドメイン数 = %d, want 2", len(counts))
	}
	// 同数の場合は初出順
	if counts[0].Domain != "first.example" || counts[1].Domain != "second.example" {
		t.Errorf("順序 = %s, %s, want first.example, second.example", counts[0].Domain, counts[1].Domain)
	}
}

func TestSnippet_TruncatesLongText(t *testing.T) {
	long := strings.Repeat("あ", 800)
	got := snippet(long)

	runes := []rune(got)
	if len(runes) != 753 {
		t.Errorf("スニペット長 = %d ルーン, want 750 + 省略記号3", len(runes))
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("切り詰めたスニペットは省略記号で終わるべき")
	}

	short := "短いテキスト"
	if snippet(short) != short {
		t.Errorf("短いテキストは変更されないべき: %q", snippet(short))
	}
}

func TestSnippet_NormalizesWhitespace(t *testing.T) {
	got := snippet("line1\n\nline2\t  line3")
	if got != "line1 line2 line3" {
		t.Errorf("snippet = %q, want 空白正規化済み", got)
	}
}
