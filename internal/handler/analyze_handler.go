// Package handler はserveモードのHTTP APIハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/sociolens/internal/engine"
	"github.com/hitoshi/sociolens/internal/model"
	"github.com/hitoshi/sociolens/internal/report"
)

// OrchestratorInterface はAnalyzeHandlerが必要とするオーケストレーター機能。
type OrchestratorInterface interface {
	Run(ctx context.Context, req engine.Request) *engine.Result
}

// AnalystInterface はAnalyzeHandlerが必要とするLLM機能。
type AnalystInterface interface {
	RunAnalysis(ctx context.Context, formattedData, query string) (string, error)
}

// AnalyzeRequest はPOST /api/analyzeのリクエストボディ。
// ターゲットはPlatforms（プラットフォーム別ユーザー名マップ、値は文字列
// または配列）とTargets（"platform/username" の簡易リスト）のどちらでも
// 指定でき、併用もできる。
type AnalyzeRequest struct {
	Platforms map[string]model.UsernameList `json:"platforms,omitempty"`
	// FetchOptions のターゲット個別countはdefault_countより常に優先される。
	FetchOptions model.FetchOptions `json:"fetch_options,omitempty"`
	Targets      []string           `json:"targets,omitempty"`
	Query        string             `json:"query"`
	Count        int                `json:"count,omitempty"`
	Offline      bool               `json:"offline,omitempty"`
	NoMedia      bool               `json:"no_media,omitempty"`
	// Mode は "default" / "refresh" / "loadmore"。
	Mode string `json:"mode,omitempty"`
}

// AnalyzeResponse はPOST /api/analyzeのレスポンスボディ。
type AnalyzeResponse struct {
	Analysis string         `json:"analysis"`
	Targets  []TargetStatus `json:"targets"`
}

// TargetStatus はターゲット1件の処理結果サマリ。
type TargetStatus struct {
	Target   string `json:"target"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	WaitHint string `json:"wait_hint,omitempty"`
	Items    int    `json:"items,omitempty"`
}

// AnalyzeHandler は解析実行エンドポイントのハンドラー。
type AnalyzeHandler struct {
	orchestrator OrchestratorInterface
	analyst      AnalystInterface
	logger       *slog.Logger
	defaultCount int
}

// NewAnalyzeHandler はAnalyzeHandlerの新しいインスタンスを生成する。
func NewAnalyzeHandler(orchestrator OrchestratorInterface, analyst AnalystInterface, logger *slog.Logger, defaultCount int) *AnalyzeHandler {
	return &AnalyzeHandler{
		orchestrator: orchestrator,
		analyst:      analyst,
		logger:       logger,
		defaultCount: defaultCount,
	}
}

// Analyze はPOST /api/analyzeを処理する。
// ターゲットのフェッチ・キャッシュ解決・LLM解析を実行し、結果を返す。
func (h *AnalyzeHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	defaultCount := h.defaultCount
	if req.Count > 0 {
		defaultCount = req.Count
	}
	targets, plan, err := model.BuildPlan(req.Platforms, req.FetchOptions, defaultCount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		seen[t.Key()] = struct{}{}
	}
	for _, raw := range req.Targets {
		t, err := model.ParseTargetSpec(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, dup := seen[t.Key()]; dup {
			continue
		}
		seen[t.Key()] = struct{}{}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		writeError(w, http.StatusBadRequest, "platforms or targets is required")
		return
	}

	mode := model.ModeDefault
	switch req.Mode {
	case "", "default":
	case "refresh":
		mode = model.ModeRefresh
	case "loadmore":
		mode = model.ModeLoadMore
	default:
		writeError(w, http.StatusBadRequest, "mode must be one of: default, refresh, loadmore")
		return
	}

	result := h.orchestrator.Run(r.Context(), engine.Request{
		Targets: targets,
		Plan:    plan,
		Mode:    mode,
		Offline: req.Offline,
		NoMedia: req.NoMedia,
	})

	analyzed := result.Analyzed()
	if len(analyzed) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, AnalyzeResponse{
			Analysis: "",
			Targets:  targetStatuses(result),
		})
		return
	}

	formatted := report.Format(result.Outcomes, time.Now())
	analysis, err := h.analyst.RunAnalysis(r.Context(), formatted, req.Query)
	if err != nil {
		var rle *model.RateLimitError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "llm rate limited: "+rle.WaitHint(time.Now()))
			return
		}
		h.logger.Error("analysis request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "analysis failed")
		return
	}

	writeJSON(w, http.StatusOK, AnalyzeResponse{
		Analysis: analysis,
		Targets:  targetStatuses(result),
	})
}

func targetStatuses(result *engine.Result) []TargetStatus {
	statuses := make([]TargetStatus, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		ts := TargetStatus{
			Target:   o.Target.String(),
			Status:   string(o.Status),
			Reason:   o.Reason,
			WaitHint: o.WaitHint,
		}
		if o.Record != nil {
			ts.Items = len(o.Record.Items)
		}
		statuses = append(statuses, ts)
	}
	return statuses
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError はエラーレスポンスを統一形式で書き込む。
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
