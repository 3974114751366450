package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/sociolens/internal/model"
)

// classifyResponse は非2xxのHTTPレスポンスを共通エラー分類へ変換する。
// 分類: 429→RateLimitError, 404/410→NotFoundError, 401→InvalidAuthError,
// 403→ForbiddenError, 5xx→TransientError, その他→AdapterError。
func classifyResponse(platform string, target model.Target, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return rateLimitFromHeaders(platform, resp.Header)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &model.NotFoundError{Platform: platform, Username: target.Username}
	case resp.StatusCode == http.StatusUnauthorized:
		return &model.InvalidAuthError{Platform: platform, Reason: "unauthorized (check credentials)"}
	case resp.StatusCode == http.StatusForbidden:
		return &model.ForbiddenError{Platform: platform, Username: target.Username}
	case resp.StatusCode >= 500:
		return &model.TransientError{Platform: platform, Err: fmt.Errorf("server returned status %d", resp.StatusCode)}
	default:
		return &model.AdapterError{Platform: platform, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
}

// rateLimitFromHeaders は429レスポンスのヘッダーからリセット情報を抽出する。
// 対応形式:
//   - x-rate-limit-reset / x-ratelimit-reset: UNIX秒（Twitter, Reddit）またはISO8601（Mastodon）
//   - Retry-After: 秒数またはHTTP日付
//
// どちらも読めない場合はResetAt/RetryAfter未設定のRateLimitErrorを返す。
func rateLimitFromHeaders(platform string, h http.Header) *model.RateLimitError {
	rle := &model.RateLimitError{Platform: platform}

	for _, key := range []string{"x-rate-limit-reset", "x-ratelimit-reset", "X-RateLimit-Reset"} {
		v := h.Get(key)
		if v == "" {
			continue
		}
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil && unix > 0 {
			rle.ResetAt = time.Unix(unix, 0)
			return rle
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			rle.ResetAt = t
			return rle
		}
	}

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			rle.RetryAfter = time.Duration(secs) * time.Second
			return rle
		}
		if t, err := http.ParseTime(v); err == nil {
			rle.ResetAt = t
			return rle
		}
	}

	return rle
}

// wrapTransient はHTTPクライアントエラーをTransientErrorに包む。
// タイムアウト満了もレート制限とは区別された一時エラーとして扱う。
// コンテキストキャンセルはそのまま伝播させる（ユーザー中断をエラー分類しない）。
func wrapTransient(platform string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &model.TransientError{Platform: platform, Err: fmt.Errorf("request timed out: %w", err)}
	}
	return &model.TransientError{Platform: platform, Err: err}
}
