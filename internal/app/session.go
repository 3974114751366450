package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/sociolens/internal/config"
	"github.com/hitoshi/sociolens/internal/engine"
	"github.com/hitoshi/sociolens/internal/metrics"
	"github.com/hitoshi/sociolens/internal/model"
	"github.com/hitoshi/sociolens/internal/report"
)

const helpText = `Commands:
  <question>                   analyze current targets with your question
  refresh [platform/user]      discard cache and re-fetch (all targets if omitted)
  loadmore [platform/user] <n> fetch n more items (target may be omitted if only one)
  targets <p/u> [p/u ...]      replace the current target list
  cache                        show cache status
  purge <cache|media|outputs|all>  delete cached data
  help                         show this help
  exit                         quit
`

// runInteractive は対話セッションモードを実行する。
// 最初にターゲットを入力させ、以降の行を質問またはコマンドとして処理する。
func runInteractive(cfg *config.Config, opts *Options, r io.Reader, w io.Writer) error {
	rt, err := buildRuntime(cfg, metrics.NopCollector{})
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprintf(w, "Available platforms: %s\n", platformList(rt))
	fmt.Fprint(w, "Enter targets (platform/username, space-separated): ")

	var targets []model.Target
	for scanner.Scan() {
		parsed, err := parseTargets(strings.Fields(scanner.Text()))
		if err != nil {
			fmt.Fprintf(w, "error: %v\nEnter targets: ", err)
			continue
		}
		if len(parsed) == 0 {
			fmt.Fprint(w, "Enter targets: ")
			continue
		}
		targets = parsed
		break
	}
	if len(targets) == 0 {
		return nil
	}

	fmt.Fprintf(w, "Tracking %d target(s). Type a question, or 'help' for commands.\n> ", len(targets))

	ctx := context.Background()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(w, "> ")
			continue
		}

		fields := strings.Fields(line)
		switch strings.ToLower(fields[0]) {
		case "exit", "quit":
			return nil

		case "help":
			fmt.Fprint(w, helpText)

		case "targets":
			parsed, err := parseTargets(fields[1:])
			if err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
			} else if len(parsed) == 0 {
				fmt.Fprintln(w, "error: no targets given")
			} else {
				targets = parsed
				fmt.Fprintf(w, "Tracking %d target(s).\n", len(targets))
			}

		case "cache":
			printCacheStatus(rt, w)

		case "purge":
			if len(fields) != 2 {
				fmt.Fprintln(w, "usage: purge <cache|media|outputs|all>")
				break
			}
			if err := runPurge(rt.cfg, &Options{Args: fields[1:]}, w); err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
			}

		case "refresh":
			if opts.Offline {
				fmt.Fprintln(w, "'refresh' is unavailable in offline mode")
				break
			}
			selected, err := selectTargets(targets, fields[1:], 0)
			if err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
				break
			}
			runFetchOnly(ctx, rt, opts, selected, model.ModeRefresh, 0, w)

		case "loadmore":
			selected, count, err := parseLoadMore(targets, fields[1:])
			if err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
				break
			}
			if opts.Offline {
				fmt.Fprintln(w, "load more requires network access (offline mode active)")
				break
			}
			runFetchOnly(ctx, rt, opts, selected, model.ModeLoadMore, count, w)

		default:
			if err := executeAnalysis(ctx, rt, opts, targets, line, model.ModeDefault, w); err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
			}
		}

		fmt.Fprint(w, "> ")
	}

	return scanner.Err()
}

// executeAnalysis はフェッチ・整形・LLM解析・保存までの1サイクルを実行する。
func executeAnalysis(ctx context.Context, rt *runtime, opts *Options, targets []model.Target, query string, mode model.FetchMode, w io.Writer) error {
	plan := model.FetchPlan{DefaultCount: rt.cfg.DefaultFetchCount}
	if opts.Count > 0 {
		plan.DefaultCount = opts.Count
	}

	result := rt.engine.Run(ctx, engine.Request{
		Targets: targets,
		Plan:    plan,
		Mode:    mode,
		Offline: opts.Offline,
		NoMedia: opts.NoMedia,
	})

	printOutcomes(result, w)

	if len(result.Analyzed()) == 0 {
		fmt.Fprintln(w, "No data available for analysis.")
		return nil
	}

	now := time.Now()
	formatted := report.Format(result.Outcomes, now)

	analysis, err := rt.llmClient.RunAnalysis(ctx, formatted, query)
	if err != nil {
		if rle, ok := model.IsRateLimit(err); ok {
			fmt.Fprintf(w, "LLM rate limited: %s\n", rle.WaitHint(time.Now()))
			return nil
		}
		return fmt.Errorf("analysis failed: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, analysis)
	fmt.Fprintln(w)

	if !opts.NoAutoSave {
		path, err := rt.saver.Save(result, query, analysis, now)
		if err != nil {
			slog.Warn("failed to save analysis", slog.String("error", err.Error()))
		} else {
			fmt.Fprintf(w, "Saved to %s\n", path)
		}
	}
	return nil
}

// runFetchOnly はLLM解析なしのフェッチサイクル（refresh/loadmore）を実行する。
func runFetchOnly(ctx context.Context, rt *runtime, opts *Options, targets []model.Target, mode model.FetchMode, count int, w io.Writer) {
	plan := model.FetchPlan{DefaultCount: rt.cfg.DefaultFetchCount}
	if opts.Count > 0 {
		plan.DefaultCount = opts.Count
	}
	if count > 0 {
		plan.DefaultCount = count
	}

	result := rt.engine.Run(ctx, engine.Request{
		Targets: targets,
		Plan:    plan,
		Mode:    mode,
		Offline: opts.Offline,
		NoMedia: true, // フェッチのみの操作ではメディア処理を省く
	})
	printOutcomes(result, w)
}

// printOutcomes はターゲットごとの処理結果を表示する。
func printOutcomes(result *engine.Result, w io.Writer) {
	for _, o := range result.Outcomes {
		switch o.Status {
		case engine.StatusAnalyzed:
			items := 0
			if o.Record != nil {
				items = len(o.Record.Items)
			}
			source := "fetched"
			if o.FromCache {
				source = "cache"
			}
			fmt.Fprintf(w, "  %s: %d items (%s)\n", o.Target, items, source)
		case engine.StatusRateLimited:
			fmt.Fprintf(w, "  %s: rate limited, %s\n", o.Target, o.WaitHint)
		default:
			fmt.Fprintf(w, "  %s: skipped (%s)\n", o.Target, o.Reason)
		}
	}
}

// printCacheStatus は全キャッシュレコードの概要を表示する。
func printCacheStatus(rt *runtime, w io.Writer) {
	entries, err := rt.store.List()
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "Cache is empty.")
		return
	}

	now := time.Now().UTC()
	for _, e := range entries {
		freshness := "stale"
		if rt.store.IsFresh(e.Record, now) {
			freshness = "fresh"
		}
		fmt.Fprintf(w, "  %s: %d items, fetched %s (%s)\n",
			e.Target, len(e.Record.Items),
			e.Record.FetchedAt.UTC().Format("2006-01-02 15:04"), freshness)
	}
}

// parseTargets は "platform/username" 形式のリストをTargetリストへ変換する。
func parseTargets(specs []string) ([]model.Target, error) {
	var targets []model.Target
	for _, spec := range specs {
		t, err := model.ParseTargetSpec(spec)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// selectTargets はコマンド引数からターゲット選択を解決する。
// 引数なしは全ターゲット。引数ありはそのターゲットのみ（追跡中である必要がある）。
func selectTargets(tracked []model.Target, args []string, _ int) ([]model.Target, error) {
	if len(args) == 0 {
		return tracked, nil
	}
	want, err := model.ParseTargetSpec(args[0])
	if err != nil {
		return nil, err
	}
	for _, t := range tracked {
		if t.Key() == want.Key() {
			return []model.Target{t}, nil
		}
	}
	return nil, fmt.Errorf("%s is not in the current target list", want)
}

// parseLoadMore はloadmoreコマンドの引数を解釈する。
// 形式: "loadmore <n>"（追跡が1ターゲットのとき）または "loadmore platform/user <n>"。
func parseLoadMore(tracked []model.Target, args []string) ([]model.Target, int, error) {
	switch len(args) {
	case 1:
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return nil, 0, fmt.Errorf("invalid item count %q", args[0])
		}
		if len(tracked) != 1 {
			return nil, 0, errors.New("multiple targets tracked: use 'loadmore platform/user <n>'")
		}
		return tracked, n, nil
	case 2:
		selected, err := selectTargets(tracked, args[:1], 0)
		if err != nil {
			return nil, 0, err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return nil, 0, fmt.Errorf("invalid item count %q", args[1])
		}
		return selected, n, nil
	default:
		return nil, 0, errors.New("usage: loadmore [platform/user] <n>")
	}
}

// platformList は登録済みプラットフォームのカンマ区切り一覧を返す。
func platformList(rt *runtime) string {
	var names []string
	for _, p := range rt.registry.Platforms() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}
