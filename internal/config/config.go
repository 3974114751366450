// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして各コンポーネントへ参照渡しする。
// グローバルなミュータブルシングルトンは持たない。
type Config struct {
	// LLM（必須）
	LLMAPIKey          string
	LLMAPIBaseURL      string
	AnalysisModel      string
	ImageAnalysisModel string

	// プラットフォーム認証情報（いずれも任意。HackerNewsは認証不要）
	TwitterBearerToken string
	RedditClientID     string
	RedditClientSecret string
	RedditUserAgent    string
	BlueskyIdentifier  string
	BlueskyAppSecret   string
	MastodonConfigFile string

	// データディレクトリ（cache / media / outputs のルート）
	DataDir string

	// Fetch
	FetchTimeout       time.Duration
	FetchMaxConcurrent int
	DefaultFetchCount  int
	MaxCacheItems      int
	CacheTTL           time.Duration

	// Media
	MediaMaxSize int64
	MediaRate    float64 // ダウンロードのレート上限（req/sec）

	// Server（serveモード）
	ServerPort string

	// Logging
	LogLevel string
}

// MastodonInstance はMastodonインスタンス設定ファイルの1エントリ。
// Nameはインスタンスのドメイン（例: mastodon.social）。省略時は
// api_base_urlのホスト名が使われる。
type MastodonInstance struct {
	Name                    string `json:"name,omitempty"`
	APIBaseURL              string `json:"api_base_url"`
	AccessToken             string `json:"access_token"`
	IsDefaultLookupInstance bool   `json:"is_default_lookup_instance"`
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリの .env があれば先に読み込む（既存の環境変数を上書きしない）。
// LLM関連の必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	// .env は存在しなくてもよい
	_ = godotenv.Load()

	cfg := &Config{}

	var missing []string

	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	if cfg.LLMAPIKey == "" {
		missing = append(missing, "LLM_API_KEY")
	}

	cfg.LLMAPIBaseURL = os.Getenv("LLM_API_BASE_URL")
	if cfg.LLMAPIBaseURL == "" {
		missing = append(missing, "LLM_API_BASE_URL")
	}

	cfg.AnalysisModel = os.Getenv("ANALYSIS_MODEL")
	if cfg.AnalysisModel == "" {
		missing = append(missing, "ANALYSIS_MODEL")
	}

	cfg.ImageAnalysisModel = os.Getenv("IMAGE_ANALYSIS_MODEL")
	if cfg.ImageAnalysisModel == "" {
		missing = append(missing, "IMAGE_ANALYSIS_MODEL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// プラットフォーム認証情報（任意）
	cfg.TwitterBearerToken = os.Getenv("TWITTER_BEARER_TOKEN")
	cfg.RedditClientID = os.Getenv("REDDIT_CLIENT_ID")
	cfg.RedditClientSecret = os.Getenv("REDDIT_CLIENT_SECRET")
	cfg.RedditUserAgent = os.Getenv("REDDIT_USER_AGENT")
	cfg.BlueskyIdentifier = os.Getenv("BLUESKY_IDENTIFIER")
	cfg.BlueskyAppSecret = os.Getenv("BLUESKY_APP_SECRET")
	cfg.MastodonConfigFile = getEnvString("MASTODON_CONFIG_FILE", "mastodon_instances.json")

	// チューニング可能項目（デフォルト付き）
	cfg.DataDir = getEnvString("DATA_DIR", "data")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 20*time.Second)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 5)
	cfg.DefaultFetchCount = getEnvInt("DEFAULT_FETCH_COUNT", 50)
	cfg.MaxCacheItems = getEnvInt("MAX_CACHE_ITEMS", 200)
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", 24*time.Hour)
	cfg.MediaMaxSize = getEnvInt64("MEDIA_MAX_SIZE", 10*1024*1024)
	cfg.MediaRate = getEnvFloat("MEDIA_RATE", 2.0)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// HasTwitter はTwitterの認証情報が設定されているかを返す。
func (c *Config) HasTwitter() bool { return c.TwitterBearerToken != "" }

// HasReddit はRedditの認証情報が完全に設定されているかを返す。
func (c *Config) HasReddit() bool {
	return c.RedditClientID != "" && c.RedditClientSecret != "" && c.RedditUserAgent != ""
}

// HasBluesky はBlueskyの認証情報が設定されているかを返す。
func (c *Config) HasBluesky() bool {
	return c.BlueskyIdentifier != "" && c.BlueskyAppSecret != ""
}

// HasMastodon はMastodonインスタンス設定ファイルが存在するかを返す。
func (c *Config) HasMastodon() bool {
	_, err := os.Stat(c.MastodonConfigFile)
	return err == nil
}

// LoadMastodonInstances はMastodonインスタンス設定ファイルを読み込む。
// ファイルが存在しない場合は空スライスを返す（エラーにしない）。
// api_base_url または access_token を欠くエントリは読み飛ばす。
func (c *Config) LoadMastodonInstances() ([]MastodonInstance, error) {
	data, err := os.ReadFile(c.MastodonConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read mastodon config %s: %w", c.MastodonConfigFile, err)
	}

	var instances []MastodonInstance
	if err := json.Unmarshal(data, &instances); err != nil {
		return nil, fmt.Errorf("failed to parse mastodon config %s: %w", c.MastodonConfigFile, err)
	}

	valid := instances[:0]
	for _, inst := range instances {
		if inst.APIBaseURL == "" || inst.AccessToken == "" {
			continue
		}
		if inst.Name == "" {
			u, err := url.Parse(inst.APIBaseURL)
			if err != nil || u.Hostname() == "" {
				continue
			}
			inst.Name = u.Hostname()
		}
		valid = append(valid, inst)
	}
	return valid, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
