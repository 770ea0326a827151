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
	// LMS API
	LMSBaseURL    string
	FetchTimeout  time.Duration
	FetchMaxSize  int64
	FetchRate     float64
	FetchBurst    int
	LMSPublicOnly bool
	// CatalogWait はフィード確定前にコースカタログを待つ上限
	CatalogWait time.Duration

	// Announcement
	AnnouncementDefaultTTL time.Duration

	// Database（空の場合はプロセス内ストアを使用する）
	DatabaseURL string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.LMSBaseURL = strings.TrimRight(os.Getenv("LMS_API_BASE_URL"), "/")
	if cfg.LMSBaseURL == "" {
		missing = append(missing, "LMS_API_BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.FetchTimeout = getEnvDuration("LMS_FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("LMS_FETCH_MAX_SIZE", 5242880)
	cfg.FetchRate = getEnvFloat("LMS_RATE_LIMIT", 10)
	cfg.FetchBurst = getEnvInt("LMS_RATE_BURST", 20)
	cfg.LMSPublicOnly = getEnvBool("LMS_PUBLIC_ONLY", false)
	cfg.CatalogWait = getEnvDuration("LMS_CATALOG_WAIT", 250*time.Millisecond)
	cfg.AnnouncementDefaultTTL = getEnvDuration("ANNOUNCEMENT_DEFAULT_TTL", 720*time.Hour)
	cfg.DatabaseURL = getEnvString("DATABASE_URL", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

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
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
