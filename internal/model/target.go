// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"unicode"
)

// Platform は対応するSNSプラットフォームを表す。
type Platform string

const (
	PlatformTwitter    Platform = "twitter"
	PlatformReddit     Platform = "reddit"
	PlatformHackerNews Platform = "hackernews"
	PlatformBluesky    Platform = "bluesky"
	PlatformMastodon   Platform = "mastodon"
)

// AllPlatforms は対応プラットフォームの一覧（表示順固定）。
var AllPlatforms = []Platform{
	PlatformBluesky,
	PlatformHackerNews,
	PlatformMastodon,
	PlatformReddit,
	PlatformTwitter,
}

// ParsePlatform は文字列をPlatformに変換する。未対応の場合はエラーを返す。
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllPlatforms {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported platform: %q", s)
}

// Target は分析対象の (platform, username) ペア。
// キャッシュとフェッチプラン解決のアイデンティティキーとなる。
// 構築後は不変として扱う。MastodonのTargetは解決済みインスタンスドメインを保持する。
type Target struct {
	Platform Platform
	Username string
	// Instance はMastodonのインスタンスドメイン（例: "mastodon.social"）。
	// Mastodon以外のプラットフォームでは空。
	Instance string
}

// NewTarget はTargetを構築する。
// ユーザー名はUnicode制御文字を除去して正規化される。
// Mastodonの場合は "user@instance.domain" 形式を要求し、インスタンスを解決する。
func NewTarget(platform Platform, username string) (Target, error) {
	name := SanitizeUsername(username)
	if name == "" {
		return Target{}, fmt.Errorf("empty username for platform %s", platform)
	}

	t := Target{Platform: platform, Username: name}

	if platform == PlatformMastodon {
		parts := strings.SplitN(name, "@", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Target{}, fmt.Errorf("invalid mastodon username %q: expected 'user@instance.domain'", name)
		}
		t.Instance = parts[1]
	}

	return t, nil
}

// ParseTargetSpec は "platform/username" 形式の文字列をTargetに変換する。
// 先頭の@は取り除く（"twitter/@alice" と "twitter/alice" は同じターゲット）。
func ParseTargetSpec(spec string) (Target, error) {
	parts := strings.SplitN(strings.TrimSpace(spec), "/", 2)
	if len(parts) != 2 {
		return Target{}, fmt.Errorf("invalid target %q: expected 'platform/username'", spec)
	}
	platform, err := ParsePlatform(parts[0])
	if err != nil {
		return Target{}, err
	}
	return NewTarget(platform, strings.TrimPrefix(parts[1], "@"))
}

// Key は "platform:username" 形式のセッションキーを返す。
// フェッチプランのターゲット指定と同じ形式。
func (t Target) Key() string {
	return string(t.Platform) + ":" + t.Username
}

// CacheKey はキャッシュファイル名に使用するキーを返す。
// ユーザー名は英数字と - _ . @ 以外をアンダースコアに置換し、100文字で切り詰める。
func (t Target) CacheKey() string {
	var b strings.Builder
	for _, r := range t.Username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == '@':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	safe := b.String()
	if len(safe) > 100 {
		safe = safe[:100]
	}
	return string(t.Platform) + "_" + safe
}

// String はログ表示用の "platform/username" 形式を返す。
func (t Target) String() string {
	return string(t.Platform) + "/" + t.Username
}

// SanitizeUsername はユーザー名からUnicode制御文字を除去する。
func SanitizeUsername(username string) string {
	trimmed := strings.TrimSpace(username)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, trimmed)
}
