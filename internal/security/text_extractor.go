package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextExtractorService はHTMLコンテンツからプレーンテキストを抽出する
// インターフェースを定義する。MastodonのステータスやHackerNewsの本文、
// アカウントのbioなど、HTMLで返るコンテンツをLLMへ渡す前に使用する。
type TextExtractorService interface {
	// ExtractText はHTMLからタグを全て除去し、実体参照を復元した
	// プレーンテキストを返す。空入力には空文字列を返す。冪等。
	ExtractText(rawHTML string) string
}

// textExtractor はTextExtractorServiceの実装。
// bluemondayのStrictPolicy（全タグ除去）を保持し、スレッドセーフに動作する。
type textExtractor struct {
	policy *bluemonday.Policy
}

// blockBoundary は段落・改行タグをスペースに置換するためのパターン。
// タグをそのまま除去すると隣接する段落のテキストが連結されてしまう。
var blockBoundary = regexp.MustCompile(`(?i)<(/p|br\s*/?|/li|/blockquote|/div)>`)

// NewTextExtractor はTextExtractorServiceの新しいインスタンスを生成する。
func NewTextExtractor() *textExtractor {
	return &textExtractor{policy: bluemonday.StrictPolicy()}
}

// ExtractText はHTMLからプレーンテキストを抽出する。
func (e *textExtractor) ExtractText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	spaced := blockBoundary.ReplaceAllString(rawHTML, "$0 ")
	stripped := e.policy.Sanitize(spaced)
	unescaped := html.UnescapeString(stripped)
	return strings.Join(strings.Fields(unescaped), " ")
}
