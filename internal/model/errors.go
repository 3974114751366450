package model

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError はAPIレート制限超過を表す。
// ResetAt / RetryAfter はレスポンスヘッダーから判明した場合のみ設定される。
type RateLimitError struct {
	Platform   string
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit exceeded (%s)", e.Platform, e.WaitHint(time.Now()))
}

// WaitHint は待機時間の人間可読な説明を返す。
// ResetAtが既知ならそれを優先し、RetryAfterのみ既知ならその時間を、
// どちらも不明なら一般的な案内を返す。
func (e *RateLimitError) WaitHint(now time.Time) string {
	if !e.ResetAt.IsZero() {
		wait := e.ResetAt.Sub(now).Round(time.Second)
		if wait < 0 {
			wait = 0
		}
		return fmt.Sprintf("resets in %s at %s", wait, e.ResetAt.UTC().Format("15:04:05 UTC"))
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("retry after %s", e.RetryAfter.Round(time.Second))
	}
	return "rate limited, try again later"
}

// NotFoundError はユーザー/プロフィールが見つからないことを表す。
type NotFoundError struct {
	Platform string
	Username string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: user %q not found", e.Platform, e.Username)
}

// ForbiddenError はアクセス拒否（非公開アカウント等）を表す。
type ForbiddenError struct {
	Platform string
	Username string
	Reason   string
}

func (e *ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: access to %q forbidden: %s", e.Platform, e.Username, e.Reason)
	}
	return fmt.Sprintf("%s: access to %q forbidden", e.Platform, e.Username)
}

// InvalidAuthError は認証情報の不備・失効を表す。
type InvalidAuthError struct {
	Platform string
	Reason   string
}

func (e *InvalidAuthError) Error() string {
	return fmt.Sprintf("%s: invalid credentials: %s", e.Platform, e.Reason)
}

// TransientError は一時的なネットワーク障害（タイムアウト含む）を表す。
// レート制限とは区別され、呼び出し元は後で再試行できる。
type TransientError struct {
	Platform string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient network error: %v", e.Platform, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// CacheCorruptError はパース不能なキャッシュレコードを表す。
// NO_CACHE相当として扱われ、実行全体を停止させることはない。
type CacheCorruptError struct {
	Path string
	Err  error
}

func (e *CacheCorruptError) Error() string {
	return fmt.Sprintf("corrupt cache record %s: %v", e.Path, e.Err)
}

func (e *CacheCorruptError) Unwrap() error { return e.Err }

// AdapterError は分類外の失敗をプラットフォーム名付きでラップする。
type AdapterError struct {
	Platform string
	Message  string
	Err      error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Platform, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Message)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsRateLimit はerrがレート制限エラーかを判定し、該当すればその詳細を返す。
func IsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
