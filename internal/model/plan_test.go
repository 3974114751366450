package model

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestUsernameList_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    UsernameList
		wantErr bool
	}{
		{"文字列1件", `"alice"`, UsernameList{"alice"}, false},
		{"配列", `["alice", "bob"]`, UsernameList{"alice", "bob"}, false},
		{"空配列", `[]`, UsernameList{}, false},
		{"数値は不正", `42`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got UsernameList
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Unmarshal(%s) はエラーを返すべき", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal(%s) がエラーを返した: %v", tt.input, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Unmarshal(%s) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestBuildPlan(t *testing.T) {
	platforms := map[string]UsernameList{
		"twitter":    {"carol"},
		"hackernews": {"alice", "bob"},
	}
	opts := FetchOptions{
		DefaultCount: 10,
		Targets: map[string]TargetOptions{
			"hackernews:alice": {Count: 5},
		},
	}

	targets, plan, err := BuildPlan(platforms, opts, 50)
	if err != nil {
		t.Fatalf("BuildPlan がエラーを返した: %v", err)
	}

	// プラットフォーム表示順・ユーザー名の入力順
	wantOrder := []string{"hackernews/alice", "hackernews/bob", "twitter/carol"}
	if len(targets) != len(wantOrder) {
		t.Fatalf("ターゲット数 = %d, want %d", len(targets), len(wantOrder))
	}
	for i, want := range wantOrder {
		if targets[i].String() != want {
			t.Errorf("targets[%d] = %s, want %s", i, targets[i], want)
		}
	}

	// 個別指定がdefault_countより優先される
	if got := plan.CountFor(targets[0]); got != 5 {
		t.Errorf("CountFor(hackernews/alice) = %d, want 個別指定の5", got)
	}
	if got := plan.CountFor(targets[1]); got != 10 {
		t.Errorf("CountFor(hackernews/bob) = %d, want default_countの10", got)
	}
}

func TestBuildPlan_FallbackDefaultCount(t *testing.T) {
	targets, plan, err := BuildPlan(map[string]UsernameList{"twitter": {"alice"}}, FetchOptions{}, 50)
	if err != nil {
		t.Fatalf("BuildPlan がエラーを返した: %v", err)
	}
	if got := plan.CountFor(targets[0]); got != 50 {
		t.Errorf("CountFor = %d, want フォールバックの50", got)
	}
}

func TestBuildPlan_DeduplicatesTargets(t *testing.T) {
	targets, _, err := BuildPlan(map[string]UsernameList{"reddit": {"alice", "alice"}}, FetchOptions{}, 50)
	if err != nil {
		t.Fatalf("BuildPlan がエラーを返した: %v", err)
	}
	if len(targets) != 1 {
		t.Errorf("ターゲット数 = %d, want 重複除去後の1", len(targets))
	}
}

func TestBuildPlan_Errors(t *testing.T) {
	tests := []struct {
		name      string
		platforms map[string]UsernameList
		opts      FetchOptions
	}{
		{
			name:      "未対応プラットフォーム",
			platforms: map[string]UsernameList{"facebook": {"alice"}},
		},
		{
			name:      "空のユーザー名",
			platforms: map[string]UsernameList{"twitter": {""}},
		},
		{
			name:      "不正なオプションキー",
			platforms: map[string]UsernameList{"twitter": {"alice"}},
			opts: FetchOptions{
				Targets: map[string]TargetOptions{"twitter/alice": {Count: 5}},
			},
		},
		{
			name:      "オプションキーの未対応プラットフォーム",
			platforms: map[string]UsernameList{"twitter": {"alice"}},
			opts: FetchOptions{
				Targets: map[string]TargetOptions{"facebook:alice": {Count: 5}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := BuildPlan(tt.platforms, tt.opts, 50); err == nil {
				t.Error("BuildPlan はエラーを返すべき")
			}
		})
	}
}
