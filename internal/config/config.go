package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	DataDir       string
	RemoteURL     string
	RemoteToken   string
	RemoteDataset string
	RemoteTimeout time.Duration

	// Auth (symmetric token)
	TokenSecret   string
	TokenIssuer   string
	TokenAudience string

	// Auth (federated)
	FederatedIssuer   string
	FederatedAudience string
	FederatedJWKSURL  string

	// Session
	SessionMaxAge          int
	RefreshTokenTTL        time.Duration
	SessionCleanupInterval time.Duration

	// Activity
	ActivityCap          int
	ActivityTrimInterval time.Duration

	// Rate Limit
	RateLimitGeneral  int
	RateLimitMutation int

	// Server
	ServerPort  string
	MetricsPort string
	BaseURL     string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// RemoteEnabled はリモートストアの設定が与えられているかどうかを返す。
func (c *Config) RemoteEnabled() bool {
	return c.RemoteURL != "" || c.RemoteToken != "" || c.RemoteDataset != ""
}

// FederatedEnabled はフェデレーテッド検証の設定が与えられているかどうかを返す。
func (c *Config) FederatedEnabled() bool {
	return c.FederatedIssuer != "" || c.FederatedAudience != "" || c.FederatedJWKSURL != ""
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
//
// リモートストア（REMOTE_STORE_URL/TOKEN/DATASET）とフェデレーテッド検証
// （AUTH_ISSUER/AUDIENCE/JWKS_URL）はそれぞれ3点セットで指定する。
// 一部だけ設定された場合は設定ミスとして起動時に失敗する。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.TokenSecret = os.Getenv("AUTH_TOKEN_SECRET")
	if cfg.TokenSecret == "" {
		missing = append(missing, "AUTH_TOKEN_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Remote store: all-or-nothing trio
	cfg.RemoteURL = os.Getenv("REMOTE_STORE_URL")
	cfg.RemoteToken = os.Getenv("REMOTE_STORE_TOKEN")
	cfg.RemoteDataset = os.Getenv("REMOTE_STORE_DATASET")
	if cfg.RemoteEnabled() {
		if cfg.RemoteURL == "" || cfg.RemoteToken == "" || cfg.RemoteDataset == "" {
			return nil, fmt.Errorf("remote store requires REMOTE_STORE_URL, REMOTE_STORE_TOKEN and REMOTE_STORE_DATASET to all be set")
		}
	}

	// Federated verification: all-or-nothing trio
	cfg.FederatedIssuer = os.Getenv("AUTH_ISSUER")
	cfg.FederatedAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.FederatedJWKSURL = os.Getenv("AUTH_JWKS_URL")
	if cfg.FederatedEnabled() {
		if cfg.FederatedIssuer == "" || cfg.FederatedAudience == "" || cfg.FederatedJWKSURL == "" {
			return nil, fmt.Errorf("federated auth requires AUTH_ISSUER, AUTH_AUDIENCE and AUTH_JWKS_URL to all be set")
		}
	}

	// Optional fields with defaults
	cfg.DataDir = getEnvString("DATA_DIR", "./data")
	cfg.RemoteTimeout = getEnvDuration("REMOTE_STORE_TIMEOUT", 10*time.Second)
	cfg.TokenIssuer = getEnvString("AUTH_TOKEN_ISSUER", "taskdeck")
	cfg.TokenAudience = getEnvString("AUTH_TOKEN_AUDIENCE", "taskdeck")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.ActivityCap = getEnvInt("ACTIVITY_CAP", 500)
	cfg.ActivityTrimInterval = getEnvDuration("ACTIVITY_TRIM_INTERVAL", 10*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 240)
	cfg.RateLimitMutation = getEnvInt("RATE_LIMIT_MUTATION", 60)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
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
