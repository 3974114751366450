package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/sociolens/internal/engine"
)

// SavedAnalysis はJSON形式で保存される解析結果。
type SavedAnalysis struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Query     string        `json:"query"`
	Targets   []SavedTarget `json:"targets"`
	Analysis  string        `json:"analysis"`
}

// SavedTarget は保存時のターゲット別サマリ。
type SavedTarget struct {
	Platform string `json:"platform"`
	Username string `json:"username"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Items    int    `json:"items,omitempty"`
}

// unsafeFilenameChars はファイル名に使えない文字のパターン。
var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Saver は解析結果をMarkdownとJSONの両形式で保存する。
type Saver struct {
	dir string
}

// NewSaver はSaverを生成し、出力ディレクトリを作成する。
func NewSaver(dir string) (*Saver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	return &Saver{dir: dir}, nil
}

// Dir は出力ディレクトリのパスを返す。
func (s *Saver) Dir() string { return s.dir }

// Save は解析結果を保存し、Markdownファイルのパスを返す。
// ファイル名は analysis_<timestamp>_<platforms>_<query摘要>.md の形式。
func (s *Saver) Save(result *engine.Result, query, analysis string, now time.Time) (string, error) {
	stem := s.filenameStem(result, query, now)

	mdPath := filepath.Join(s.dir, stem+".md")
	md := s.renderMarkdown(result, query, analysis, now)
	if err := os.WriteFile(mdPath, []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("failed to write markdown report: %w", err)
	}

	saved := SavedAnalysis{
		ID:        uuid.New().String(),
		Timestamp: now.UTC(),
		Query:     query,
		Analysis:  analysis,
	}
	for _, o := range result.Outcomes {
		st := SavedTarget{
			Platform: string(o.Target.Platform),
			Username: o.Target.Username,
			Status:   string(o.Status),
			Reason:   o.Reason,
		}
		if o.Record != nil {
			st.Items = len(o.Record.Items)
		}
		saved.Targets = append(saved.Targets, st)
	}

	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode analysis json: %w", err)
	}
	jsonPath := filepath.Join(s.dir, stem+".json")
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write analysis json: %w", err)
	}

	return mdPath, nil
}

// filenameStem は保存ファイル名の共通部分を組み立てる。
func (s *Saver) filenameStem(result *engine.Result, query string, now time.Time) string {
	platforms := make(map[string]struct{})
	for _, o := range result.Outcomes {
		platforms[string(o.Target.Platform)] = struct{}{}
	}
	names := make([]string, 0, len(platforms))
	for p := range platforms {
		names = append(names, p)
	}
	sort.Strings(names)

	querySlug := unsafeFilenameChars.ReplaceAllString(strings.ToLower(query), "_")
	querySlug = strings.Trim(querySlug, "_")
	if len(querySlug) > 40 {
		querySlug = querySlug[:40]
	}
	if querySlug == "" {
		querySlug = "analysis"
	}

	return fmt.Sprintf("analysis_%s_%s_%s",
		now.UTC().Format("20060102_150405"),
		strings.Join(names, "-"),
		querySlug,
	)
}

// renderMarkdown は人間向けのMarkdownレポートを組み立てる。
func (s *Saver) renderMarkdown(result *engine.Result, query, analysis string, now time.Time) string {
	var b strings.Builder

	b.WriteString("# Analysis Report\n\n")
	fmt.Fprintf(&b, "- Generated: %s\n", now.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "- Query: %s\n\n", query)

	b.WriteString("## Targets\n\n")
	for _, o := range result.Outcomes {
		switch o.Status {
		case engine.StatusAnalyzed:
			items := 0
			if o.Record != nil {
				items = len(o.Record.Items)
			}
			fmt.Fprintf(&b, "- %s: analyzed (%d items)\n", o.Target, items)
		case engine.StatusRateLimited:
			fmt.Fprintf(&b, "- %s: rate limited (%s)\n", o.Target, o.WaitHint)
		default:
			fmt.Fprintf(&b, "- %s: skipped (%s)\n", o.Target, o.Reason)
		}
	}

	b.WriteString("\n## Analysis\n\n")
	b.WriteString(analysis)
	b.WriteString("\n")
	return b.String()
}
