package platform

import (
	"regexp"
	"strings"
)

// urlPattern は本文中のhttp(s) URLを検出するパターン。
// 終端の引用符・括弧・タグ閉じはマッチに含めない。
var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\\]+`)

// trailingPunct はURL末尾に付きがちな句読点。
const trailingPunct = ".,;:!?)]}"

// ExtractURLs はテキスト（プラットフォームのマークアップを問わない）から
// 外部URLを抽出する。出現順を保ち、重複は除去する。
// 共有ドメイン集計の入力となる。
func ExtractURLs(text string) []string {
	if text == "" {
		return nil
	}

	matches := urlPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	var urls []string
	for _, m := range matches {
		u := strings.TrimRight(m, trailingPunct)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}
