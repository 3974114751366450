package app

import (
	"flag"
	"io"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandInteractive は対話セッションモードで起動することを示す。
	CommandInteractive Command = "interactive"
	// CommandStdin は標準入力からのバッチ解析モードを示す。
	CommandStdin Command = "stdin"
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandPurge はキャッシュ削除を実行することを示す。
	CommandPurge Command = "purge"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandInteractiveを返し、
// 残りの引数をそのまま返す。
func ParseCommand(args []string) (Command, []string) {
	if len(args) == 0 {
		return CommandInteractive, nil
	}

	switch args[0] {
	case "stdin":
		return CommandStdin, args[1:]
	case "serve":
		return CommandServe, args[1:]
	case "purge":
		return CommandPurge, args[1:]
	case "healthcheck":
		return CommandHealthcheck, args[1:]
	case "interactive":
		return CommandInteractive, args[1:]
	default:
		return CommandInteractive, args
	}
}

// Options はサブコマンド共通のフラグ。
type Options struct {
	// Offline はネットワークフェッチを一切行わず、キャッシュのみを使用する。
	Offline bool
	// NoMedia はメディアダウンロードと画像解析を省略する。
	NoMedia bool
	// NoAutoSave は解析結果の自動保存を無効にする。
	NoAutoSave bool
	// Count はターゲットあたりの取得件数（0なら設定のデフォルト値）。
	Count int
	// Args はフラグ以外の位置引数（purgeの削除スコープなど）。
	Args []string
}

// ParseOptions はサブコマンドのフラグを解析する。
func ParseOptions(args []string, output io.Writer) (*Options, error) {
	opts := &Options{}

	fs := flag.NewFlagSet("sociolens", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.BoolVar(&opts.Offline, "offline", false, "use cached data only, never touch the network")
	fs.BoolVar(&opts.NoMedia, "no-media", false, "skip media download and image analysis")
	fs.BoolVar(&opts.NoAutoSave, "no-auto-save", false, "do not save analysis results to the output directory")
	fs.IntVar(&opts.Count, "count", 0, "items to fetch per target (0 = configured default)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.Args = fs.Args()

	return opts, nil
}
