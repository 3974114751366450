package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UsernameList はJSONの文字列または文字列配列を受け付ける。
// フェッチプラン入力のplatformsマップで、単一ユーザー名を配列で
// 包まずに書ける省略記法を許すため。
type UsernameList []string

func (l *UsernameList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = UsernameList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("usernames must be a string or an array of strings")
	}
	*l = UsernameList(many)
	return nil
}

// TargetOptions はターゲット個別のフェッチ指定。
type TargetOptions struct {
	Count int `json:"count"`
}

// FetchOptions はフェッチプラン入力のオプション部。
// Targetsのキーは "platform:username" 形式。個別指定のcountは
// DefaultCountより常に優先される。
type FetchOptions struct {
	DefaultCount int                      `json:"default_count,omitempty"`
	Targets      map[string]TargetOptions `json:"targets,omitempty"`
}

// BuildPlan はプラットフォーム別ユーザー名マップとオプションから
// ターゲット一覧とFetchPlanを構築する。defaultCountは
// opts.DefaultCount未指定時のフォールバック。ターゲットの並びは
// プラットフォーム表示順・ユーザー名の入力順で決定的になり、
// 重複ターゲットは最初の1件だけ残る。
func BuildPlan(platforms map[string]UsernameList, opts FetchOptions, defaultCount int) ([]Target, FetchPlan, error) {
	if opts.DefaultCount > 0 {
		defaultCount = opts.DefaultCount
	}
	plan := FetchPlan{DefaultCount: defaultCount}

	byPlatform := make(map[Platform][]string, len(platforms))
	for raw, names := range platforms {
		p, err := ParsePlatform(raw)
		if err != nil {
			return nil, FetchPlan{}, err
		}
		byPlatform[p] = append(byPlatform[p], names...)
	}

	var targets []Target
	seen := make(map[string]struct{})
	for _, p := range AllPlatforms {
		for _, name := range byPlatform[p] {
			t, err := NewTarget(p, name)
			if err != nil {
				return nil, FetchPlan{}, err
			}
			if _, dup := seen[t.Key()]; dup {
				continue
			}
			seen[t.Key()] = struct{}{}
			targets = append(targets, t)
		}
	}

	for key, to := range opts.Targets {
		if to.Count <= 0 {
			continue
		}
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			return nil, FetchPlan{}, fmt.Errorf("invalid fetch option key %q: expected 'platform:username'", key)
		}
		p, err := ParsePlatform(parts[0])
		if err != nil {
			return nil, FetchPlan{}, err
		}
		t, err := NewTarget(p, parts[1])
		if err != nil {
			return nil, FetchPlan{}, err
		}
		plan.SetCount(t, to.Count)
	}

	return targets, plan, nil
}
