package app

import (
	"io"
	"reflect"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		want     Command
		wantRest []string
	}{
		{"引数なし", nil, CommandInteractive, nil},
		{"stdinコマンド", []string{"stdin"}, CommandStdin, []string{}},
		{"serveコマンド", []string{"serve"}, CommandServe, []string{}},
		{"purgeとスコープ", []string{"purge", "cache"}, CommandPurge, []string{"cache"}},
		{"healthcheckコマンド", []string{"healthcheck"}, CommandHealthcheck, []string{}},
		{"明示的なinteractive", []string{"interactive", "-offline"}, CommandInteractive, []string{"-offline"}},
		{"フラグのみは対話モードへ", []string{"-offline"}, CommandInteractive, []string{"-offline"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rest := ParseCommand(tt.args)
			if got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
			if len(rest) != len(tt.wantRest) {
				t.Errorf("残り引数 = %v, want %v", rest, tt.wantRest)
			}
		})
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions([]string{"-offline", "-no-media", "-count", "80", "cache", "media"}, io.Discard)
	if err != nil {
		t.Fatalf("ParseOptions がエラーを返した: %v", err)
	}

	if !opts.Offline || !opts.NoMedia {
		t.Errorf("フラグ = offline:%v no-media:%v, want 両方true", opts.Offline, opts.NoMedia)
	}
	if opts.NoAutoSave {
		t.Error("未指定のno-auto-saveはfalseであるべき")
	}
	if opts.Count != 80 {
		t.Errorf("Count = %d, want 80", opts.Count)
	}
	if !reflect.DeepEqual(opts.Args, []string{"cache", "media"}) {
		t.Errorf("位置引数 = %v, want [cache media]", opts.Args)
	}
}

func TestParseOptions_Defaults(t *testing.T) {
	opts, err := ParseOptions(nil, io.Discard)
	if err != nil {
		t.Fatalf("ParseOptions がエラーを返した: %v", err)
	}
	if opts.Offline || opts.NoMedia || opts.NoAutoSave || opts.Count != 0 {
		t.Errorf("デフォルト値が不正: %+v", opts)
	}
}

func TestParseOptions_UnknownFlag(t *testing.T) {
	if _, err := ParseOptions([]string{"-bogus"}, io.Discard); err == nil {
		t.Fatal("未知のフラグはエラーを返すべき")
	}
}
