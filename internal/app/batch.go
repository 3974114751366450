package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/sociolens/internal/config"
	"github.com/hitoshi/sociolens/internal/engine"
	"github.com/hitoshi/sociolens/internal/metrics"
	"github.com/hitoshi/sociolens/internal/model"
	"github.com/hitoshi/sociolens/internal/report"
)

// BatchRequest は標準入力から読み込むバッチ解析リクエスト。
// ターゲットはPlatforms（プラットフォーム別ユーザー名マップ、値は文字列
// または配列）とTargets（"platform/username" の簡易リスト）のどちらでも
// 指定でき、併用もできる。
type BatchRequest struct {
	Platforms map[string]model.UsernameList `json:"platforms,omitempty"`
	// FetchOptions のターゲット個別countはdefault_countより常に優先される。
	FetchOptions model.FetchOptions `json:"fetch_options,omitempty"`
	Targets      []string           `json:"targets,omitempty"`
	Query        string             `json:"query"`
	Count        int                `json:"count,omitempty"`
	// Mode は "default" / "refresh" / "loadmore"。
	Mode string `json:"mode,omitempty"`
}

// resolvePlan はリクエストのターゲット指定をターゲット一覧とFetchPlanへ解決する。
// countの優先順位は fetch_options.targets > fetch_options.default_count >
// リクエストのcount > defaultCount。
func (req *BatchRequest) resolvePlan(defaultCount int) ([]model.Target, model.FetchPlan, error) {
	if req.Count > 0 {
		defaultCount = req.Count
	}

	targets, plan, err := model.BuildPlan(req.Platforms, req.FetchOptions, defaultCount)
	if err != nil {
		return nil, model.FetchPlan{}, err
	}

	extra, err := parseTargets(req.Targets)
	if err != nil {
		return nil, model.FetchPlan{}, err
	}
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		seen[t.Key()] = struct{}{}
	}
	for _, t := range extra {
		if _, dup := seen[t.Key()]; dup {
			continue
		}
		seen[t.Key()] = struct{}{}
		targets = append(targets, t)
	}

	if len(targets) == 0 {
		return nil, model.FetchPlan{}, fmt.Errorf("batch request has no targets")
	}
	return targets, plan, nil
}

// BatchResponse は標準出力へ書き出すバッチ解析結果。
type BatchResponse struct {
	Analysis string        `json:"analysis"`
	Targets  []BatchTarget `json:"targets"`
	SavedTo  string        `json:"saved_to,omitempty"`
}

// BatchTarget はターゲット1件の処理結果サマリ。
type BatchTarget struct {
	Target   string `json:"target"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	WaitHint string `json:"wait_hint,omitempty"`
	Items    int    `json:"items,omitempty"`
}

// runStdin は標準入力のJSONリクエストを1件処理し、結果JSONをwへ書き出す。
// レート制限に遭遇した場合はErrRateLimitedを返し、mainが専用の終了コードへ
// 写像する（スクリプト側が待機・再実行を判断できるようにする）。
func runStdin(cfg *config.Config, opts *Options, r io.Reader, w io.Writer) error {
	var req BatchRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("failed to parse batch request: %w", err)
	}
	if req.Query == "" {
		return fmt.Errorf("batch request has no query")
	}

	defaultCount := cfg.DefaultFetchCount
	if opts.Count > 0 {
		defaultCount = opts.Count
	}
	targets, plan, err := req.resolvePlan(defaultCount)
	if err != nil {
		return err
	}

	mode := model.ModeDefault
	switch req.Mode {
	case "", "default":
	case "refresh":
		mode = model.ModeRefresh
	case "loadmore":
		mode = model.ModeLoadMore
	default:
		return fmt.Errorf("unknown mode %q", req.Mode)
	}

	rt, err := buildRuntime(cfg, metrics.NopCollector{})
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	ctx := context.Background()
	result := rt.engine.Run(ctx, engine.Request{
		Targets: targets,
		Plan:    plan,
		Mode:    mode,
		Offline: opts.Offline,
		NoMedia: opts.NoMedia,
	})

	resp := BatchResponse{}
	for _, o := range result.Outcomes {
		bt := BatchTarget{
			Target:   o.Target.String(),
			Status:   string(o.Status),
			Reason:   o.Reason,
			WaitHint: o.WaitHint,
		}
		if o.Record != nil {
			bt.Items = len(o.Record.Items)
		}
		resp.Targets = append(resp.Targets, bt)
	}

	rateLimited := result.HasRateLimited()

	if len(result.Analyzed()) > 0 {
		now := time.Now()
		formatted := report.Format(result.Outcomes, now)

		analysis, err := rt.llmClient.RunAnalysis(ctx, formatted, req.Query)
		if rle, ok := model.IsRateLimit(err); ok {
			rateLimited = true
			slog.Warn("llm rate limited", slog.String("wait_hint", rle.WaitHint(time.Now())))
		} else if err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		} else {
			resp.Analysis = analysis
			if !opts.NoAutoSave {
				path, err := rt.saver.Save(result, req.Query, analysis, now)
				if err != nil {
					slog.Warn("failed to save analysis", slog.String("error", err.Error()))
				} else {
					resp.SavedTo = path
				}
			}
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}

	if rateLimited {
		return ErrRateLimited
	}
	if len(result.Analyzed()) == 0 {
		return fmt.Errorf("no usable data for any target")
	}
	return nil
}
