// Package llm はOpenAI互換APIによるテキスト解析と画像解析を提供する。
// どのエンドポイントを使うかは設定のベースURLで決まり、コードは
// プロバイダに依存しない。
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hitoshi/sociolens/internal/metrics"
	"github.com/hitoshi/sociolens/internal/model"
)

// systemPrompt は行動分析の方針をモデルへ指示する。
// 解析実行時のUTC時刻を埋め込み、相対時間表現の基準点を与える。
const systemPrompt = `You are an analyst reviewing public social media activity across multiple platforms. The current date and time is %s (UTC).

Base every statement strictly on the provided data. When you reference a specific post, cite its platform and timestamp. Point out cross-platform patterns (topics, posting rhythm, shared links, tone shifts) when the data supports them, and say explicitly when the data is insufficient to answer part of the question. Do not speculate about identity, location, or private attributes beyond what the subject has stated themselves.`

// visionPrompt は画像解析の指示。投稿文脈の補助情報として使える
// 客観的な記述を求める。
const visionPrompt = `Describe this image objectively and concisely: visible subjects, setting, any readable text, and overall context. Do not guess at the identity of any person shown.`

// mimeByExt は画像解析リクエストのdata URL構築に使う。
var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Client はLLM APIのクライアント。
type Client struct {
	api           *openai.Client
	collector     metrics.MetricsCollector
	logger        *slog.Logger
	analysisModel string
	imageModel    string
}

// NewClient はClientの新しいインスタンスを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewClient(apiKey, baseURL, analysisModel, imageModel string, collector metrics.MetricsCollector, logger *slog.Logger) *Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Client{
		api:           openai.NewClientWithConfig(cfg),
		collector:     collector,
		logger:        logger,
		analysisModel: analysisModel,
		imageModel:    imageModel,
	}
}

// RunAnalysis は整形済みデータとユーザーの質問を解析モデルへ送り、
// 解析テキストを返す。
func (c *Client) RunAnalysis(ctx context.Context, formattedData, query string) (string, error) {
	start := time.Now()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.analysisModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf(systemPrompt, time.Now().UTC().Format("2006-01-02 15:04:05")),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: formattedData + "\n\n---\n\nQuestion: " + query,
			},
		},
	})
	c.collector.RecordLLMRequest("analysis", time.Since(start))
	if err != nil {
		return "", classifyLLMError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}

	c.logger.Info("analysis completed",
		slog.String("model", c.analysisModel),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return resp.Choices[0].Message.Content, nil
}

// AnalyzeImage はローカルのメディアファイルを画像解析モデルへ送り、
// テキスト記述を返す。動画など画像以外のファイルは解析対象外。
func (c *Client) AnalyzeImage(ctx context.Context, localPath string) (string, error) {
	mime, ok := mimeByExt[strings.ToLower(filepath.Ext(localPath))]
	if !ok {
		return "", fmt.Errorf("unsupported image type: %s", filepath.Ext(localPath))
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to read image file: %w", err)
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.imageModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: visionPrompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
					},
				},
			},
		},
	})
	c.collector.RecordLLMRequest("vision", time.Since(start))
	if err != nil {
		return "", classifyLLMError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}

	c.logger.Debug("image analyzed",
		slog.String("path", localPath),
		slog.String("model", c.imageModel),
	)
	return resp.Choices[0].Message.Content, nil
}

// classifyLLMError はAPIエラーを共通エラー分類へ変換する。
// 429はプラットフォームのレート制限と同じ中断セマンティクスで扱う。
func classifyLLMError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return &model.RateLimitError{Platform: "llm"}
		case apiErr.HTTPStatusCode == 401:
			return &model.InvalidAuthError{Platform: "llm", Reason: "API key rejected"}
		case apiErr.HTTPStatusCode >= 500:
			return &model.TransientError{Platform: "llm", Err: err}
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &model.AdapterError{Platform: "llm", Message: "request failed", Err: err}
}
