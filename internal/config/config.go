// Package config はリレーサーバーの設定を読み込む。
//
// CONFIG_FILE で指定したYAMLファイルを読み、その上に環境変数の値を重ねる。
// どちらも無い項目は開発用の既定値になる。
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultJWTSecret は開発用のJWT署名鍵。公開されている値なので本番では使わない。
const DefaultJWTSecret = "dev-secret-key"

// Config はリレーサーバー全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `yaml:"port"`
	// JWTSecret はウォレットログインで発行するJWTの署名鍵。
	JWTSecret string `yaml:"jwt_secret"`
	// APIKey は通知注入APIの共有キー。空なら認証しない。
	APIKey string `yaml:"api_key"`
	// RoomAuth はルーム参加の認可方式（open または token）。
	RoomAuth string `yaml:"room_auth"`
	// AllowedOrigins はCORSとWebSocketで許可するOrigin。
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Redis は複数プロセス間の配信設定。
	Redis RedisConfig `yaml:"redis"`
	// Auth はウォレット署名ログインの設定。
	Auth AuthConfig `yaml:"auth"`
	// Contract はフロントエンドに渡すコントラクト情報。
	Contract ContractConfig `yaml:"contract"`
}

// RedisConfig はRedisによる配信共有の設定。
type RedisConfig struct {
	// URL はRedisの接続URL（redis://host:6379/0）。空なら単一プロセスで動作する。
	URL string `yaml:"url"`
	// Channel はPub/Subチャネル名。
	Channel string `yaml:"channel"`
}

// AuthConfig はSIWEメッセージの設定。
type AuthConfig struct {
	// Domain はSIWEメッセージに埋め込むドメイン。
	Domain string `yaml:"domain"`
	// URI はSIWEメッセージに埋め込むURI。
	URI string `yaml:"uri"`
	// AdminAddresses は管理者ルームへの参加を許可するアドレス。
	AdminAddresses []string `yaml:"admin_addresses"`
}

// ContractConfig は会員コントラクトの情報。
type ContractConfig struct {
	// Address は会員NFTコントラクトのアドレス。
	Address string `yaml:"address" json:"contractAddress"`
	// USDTAddress は支払いに使うUSDTトークンのアドレス。
	USDTAddress string `yaml:"usdt_address" json:"usdtAddress"`
	// NetworkID はチェーンのネットワークID。
	NetworkID string `yaml:"network_id" json:"networkId"`
	// PlanNames はプランIDから表示名への対応。
	PlanNames map[string]string `yaml:"plan_names" json:"planNames"`
}

// defaultPlanNames は会員プランの既定の表示名。
var defaultPlanNames = map[string]string{
	"1":  "Starter",
	"2":  "Explorer",
	"3":  "Trader",
	"4":  "Investor",
	"5":  "Elite",
	"6":  "Whale",
	"7":  "Titan",
	"8":  "Mogul",
	"9":  "Tycoon",
	"10": "Legend",
	"11": "Empire",
	"12": "Visionary",
	"13": "Mastermind",
	"14": "Titanium",
	"15": "Crypto Royalty",
	"16": "Legacy",
}

// Default は既定値だけで構成した設定を返す。
func Default() *Config {
	plans := make(map[string]string, len(defaultPlanNames))
	for k, v := range defaultPlanNames {
		plans[k] = v
	}
	return &Config{
		Port:           "3000",
		JWTSecret:      DefaultJWTSecret,
		RoomAuth:       "open",
		AllowedOrigins: []string{"http://localhost:3000"},
		Auth: AuthConfig{
			Domain: "localhost:3000",
			URI:    "http://localhost:3000",
		},
		Contract: ContractConfig{
			NetworkID: "1",
			PlanNames: plans,
		},
	}
}

// Load は設定ファイルと環境変数から設定を読み込む。
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile はYAMLファイルの値で設定を上書きする。
func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	return nil
}

// applyEnv は環境変数が設定されている項目を上書きする。
func (c *Config) applyEnv() {
	c.Port = getEnvOr("PORT", c.Port)
	c.JWTSecret = getEnvOr("JWT_SECRET", c.JWTSecret)
	c.APIKey = getEnvOr("RELAY_API_KEY", c.APIKey)
	c.RoomAuth = getEnvOr("ROOM_AUTH", c.RoomAuth)
	c.AllowedOrigins = getEnvListOr("ALLOWED_ORIGINS", c.AllowedOrigins)
	c.Redis.URL = getEnvOr("REDIS_URL", c.Redis.URL)
	c.Redis.Channel = getEnvOr("REDIS_CHANNEL", c.Redis.Channel)
	c.Auth.Domain = getEnvOr("SIWE_DOMAIN", c.Auth.Domain)
	c.Auth.URI = getEnvOr("SIWE_URI", c.Auth.URI)
	c.Auth.AdminAddresses = getEnvListOr("ADMIN_ADDRESSES", c.Auth.AdminAddresses)
	c.Contract.Address = getEnvOr("CONTRACT_ADDRESS", c.Contract.Address)
	c.Contract.USDTAddress = getEnvOr("USDT_ADDRESS", c.Contract.USDTAddress)
	c.Contract.NetworkID = getEnvOr("NETWORK_ID", c.Contract.NetworkID)
}

// Validate は設定値の整合性を確認する。
func (c *Config) Validate() error {
	switch c.RoomAuth {
	case "open", "token":
	default:
		return fmt.Errorf("ROOM_AUTH は open か token を指定してください: %q", c.RoomAuth)
	}
	if c.Port == "" {
		return fmt.Errorf("ポートが設定されていません")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET が設定されていません")
	}
	// 既定の鍵では誰でもトークンを偽造できる
	if c.RoomAuth == "token" && c.JWTSecret == DefaultJWTSecret {
		return fmt.Errorf("ROOM_AUTH=token では JWT_SECRET に既定値以外を設定してください")
	}
	return nil
}

// getEnvOr は環境変数の値を返す。未設定の場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getEnvListOr はカンマ区切りの環境変数をスライスで返す。
func getEnvListOr(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
