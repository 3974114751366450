// Package report は解析ペイロードの整形、共有ドメイン集計、
// 解析結果の保存を提供する。
package report

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/sociolens/internal/engine"
	"github.com/hitoshi/sociolens/internal/model"
)

const (
	// maxItemsPerTarget はペイロードに載せる1ターゲットあたりのアイテム数。
	maxItemsPerTarget = 25
	// maxSnippetLen は本文スニペットの最大文字数。
	maxSnippetLen = 750
	// maxSharedDomains は共有ドメイン集計の表示上限。
	maxSharedDomains = 10
)

// selfDomains はプラットフォーム自身のドメイン（eTLD+1）。
// 外部共有の集計から除外する。
var selfDomains = map[string]struct{}{
	"twitter.com":     {},
	"x.com":           {},
	"t.co":            {},
	"reddit.com":      {},
	"redd.it":         {},
	"ycombinator.com": {},
	"bsky.app":        {},
	"bsky.social":     {},
}

// Format は解析対象の全ターゲットデータをLLMへ渡すテキストへ整形する。
// ターゲットごとのブロック、メディア解析の統合セクション、
// 共有ドメイン集計の順で構成する。
func Format(outcomes []engine.Outcome, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Social Media Activity Data\nCollected as of: %s\n\n", now.UTC().Format("2006-01-02 15:04:05 UTC"))

	for _, o := range outcomes {
		if o.Status != engine.StatusAnalyzed || o.Record == nil {
			continue
		}
		formatTarget(&b, o)
	}

	formatMediaSection(&b, outcomes)
	formatSharedDomains(&b, outcomes)

	return b.String()
}

// formatTarget は1ターゲット分のブロックを書き出す。
func formatTarget(b *strings.Builder, o engine.Outcome) {
	rec := o.Record
	fmt.Fprintf(b, "## %s\n", o.Target)
	fmt.Fprintf(b, "Data fetched at: %s\n", rec.FetchedAt.UTC().Format("2006-01-02 15:04:05 UTC"))

	if ui := rec.UserInfo; ui != nil {
		fmt.Fprintf(b, "Profile: %s", ui.Username)
		if ui.DisplayName != "" && ui.DisplayName != ui.Username {
			fmt.Fprintf(b, " (%s)", ui.DisplayName)
		}
		b.WriteString("\n")
		if ui.Bio != "" {
			fmt.Fprintf(b, "Bio: %s\n", snippet(ui.Bio))
		}
		if !ui.CreatedAt.IsZero() {
			fmt.Fprintf(b, "Account created: %s\n", ui.CreatedAt.UTC().Format("2006-01-02"))
		}
		if len(ui.Metrics) > 0 {
			fmt.Fprintf(b, "Stats: %s\n", formatMetrics(ui.Metrics))
		}
	}

	items := rec.Items
	if len(items) > maxItemsPerTarget {
		items = items[:maxItemsPerTarget]
	}
	fmt.Fprintf(b, "Items (%d of %d cached):\n\n", len(items), len(rec.Items))

	for i, item := range items {
		formatItem(b, i+1, item)
	}
	b.WriteString("\n")
}

// formatItem は1アイテムを番号付きで書き出す。
func formatItem(b *strings.Builder, n int, item model.Item) {
	fmt.Fprintf(b, "%d. [%s] %s", n, item.Kind, item.CreatedAt.UTC().Format("2006-01-02 15:04"))
	if item.Context != "" {
		fmt.Fprintf(b, " (%s)", item.Context)
	}
	if item.IsRepost {
		fmt.Fprintf(b, " [repost of %s]", item.RepostAuthor)
	}
	b.WriteString("\n")

	if item.Title != "" {
		fmt.Fprintf(b, "   Title: %s\n", snippet(item.Title))
	}
	if item.Text != "" {
		fmt.Fprintf(b, "   %s\n", snippet(item.Text))
	}
	if len(item.Metrics) > 0 {
		fmt.Fprintf(b, "   Engagement: %s\n", formatMetrics(item.Metrics))
	}
	if len(item.OutboundURLs) > 0 {
		fmt.Fprintf(b, "   Links: %s\n", strings.Join(item.OutboundURLs, ", "))
	}
	if len(item.MediaURLs) > 0 {
		fmt.Fprintf(b, "   Media attached: %d\n", len(item.MediaURLs))
	}
}

// formatMediaSection は全ターゲットのメディア解析を1セクションへまとめる。
func formatMediaSection(b *strings.Builder, outcomes []engine.Outcome) {
	var any bool
	for _, o := range outcomes {
		for _, ma := range o.MediaAnalyses {
			if ma.Description == "" {
				continue
			}
			if !any {
				b.WriteString("## Media Analysis\n")
				any = true
			}
			fmt.Fprintf(b, "- [%s] %s\n  %s\n", o.Target, ma.URL, ma.Description)
		}
	}
	if any {
		b.WriteString("\n")
	}
}

// formatSharedDomains は全アイテムの外部リンクをeTLD+1で集計し、
// 出現回数の降順（同数は初出順）で書き出す。
func formatSharedDomains(b *strings.Builder, outcomes []engine.Outcome) {
	counts := CountSharedDomains(outcomes)
	if len(counts) == 0 {
		return
	}

	b.WriteString("## Top Shared Domains\n")
	limit := len(counts)
	if limit > maxSharedDomains {
		limit = maxSharedDomains
	}
	for _, dc := range counts[:limit] {
		fmt.Fprintf(b, "- %s (%d)\n", dc.Domain, dc.Count)
	}
	b.WriteString("\n")
}

// DomainCount はドメイン集計の1エントリ。
type DomainCount struct {
	Domain string
	Count  int
}

// CountSharedDomains は解析対象の全アイテムから外部リンクのドメインを
// eTLD+1へ正規化して集計する。プラットフォーム自身のドメインは除外する。
func CountSharedDomains(outcomes []engine.Outcome) []DomainCount {
	counts := make(map[string]int)
	order := make(map[string]int)

	for _, o := range outcomes {
		if o.Status != engine.StatusAnalyzed || o.Record == nil {
			continue
		}
		for _, item := range o.Record.Items {
			for _, rawURL := range item.OutboundURLs {
				domain := normalizeDomain(rawURL)
				if domain == "" {
					continue
				}
				if _, self := selfDomains[domain]; self {
					continue
				}
				if _, ok := order[domain]; !ok {
					order[domain] = len(order)
				}
				counts[domain]++
			}
		}
	}

	result := make([]DomainCount, 0, len(counts))
	for domain, count := range counts {
		result = append(result, DomainCount{Domain: domain, Count: count})
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return order[result[i].Domain] < order[result[j].Domain]
	})
	return result
}

// normalizeDomain はURLをeTLD+1ドメインへ正規化する。
// パース不能または登録可能ドメインを持たないホストは空文字列を返す。
func normalizeDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return domain
}

// snippet は本文をスニペット長に切り詰める。
// 切り詰めが発生した場合は省略記号を付ける。
func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= maxSnippetLen {
		return text
	}
	return string(runes[:maxSnippetLen]) + "..."
}

// formatMetrics はメトリクスマップをキーの辞書順で整形する。
func formatMetrics(metrics map[string]int64) string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, metrics[k]))
	}
	return strings.Join(parts, " ")
}
