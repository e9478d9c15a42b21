package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage areas a relay can persist settings to.
const (
	StorageAreaSync  = "sync"
	StorageAreaLocal = "local"
)

type Config struct {
	ServerPort      string
	StorageArea     string
	DynamoEndpoint  string
	DynamoTableName string
	AWSRegion       string
	SQLitePath      string
	JWTSecret       string
	JWTIssuer       string
	CORSAllowOrigin string
	DevBypassAuth   bool

	NotionAPIBase string
	NotionVersion string
	ProbeTimeout  time.Duration

	RelayURL     string
	RelayTimeout time.Duration

	Profile                string
	HistoryLimit           int
	ExportFilenameTemplate string
	StatusWindow           time.Duration

	LogLevel slog.Level
}

// LoadConfig reads the environment, after merging any .env file found in the
// working directory or ~/.config/extrelay. Variables already set win.
func LoadConfig() (Config, error) {
	if err := loadDotEnv(dotEnvPaths()...); err != nil {
		return Config{}, err
	}

	probeTimeout, err := envDuration("PROBE_TIMEOUT", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	relayTimeout, err := envDuration("RELAY_TIMEOUT", 20*time.Second)
	if err != nil {
		return Config{}, err
	}
	statusWindow, err := envDuration("STATUS_WINDOW", 3*time.Second)
	if err != nil {
		return Config{}, err
	}
	historyLimit, err := envInt("HISTORY_LIMIT", 0)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ServerPort:      envOrDefault("SERVER_PORT", "8080"),
		StorageArea:     strings.ToLower(envOrDefault("STORAGE_AREA", StorageAreaSync)),
		DynamoEndpoint:  os.Getenv("DYNAMODB_ENDPOINT"),
		DynamoTableName: envOrDefault("DYNAMODB_TABLE_NAME", "extension-settings"),
		AWSRegion:       envOrDefault("AWS_REGION", "us-east-1"),
		SQLitePath:      envOrDefault("SQLITE_PATH", defaultSQLitePath()),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		JWTIssuer:       os.Getenv("JWT_ISSUER"),
		CORSAllowOrigin: envOrDefault("CORS_ALLOW_ORIGIN", "*"),
		DevBypassAuth:   strings.EqualFold(os.Getenv("DEV_BYPASS_AUTH"), "true"),

		NotionAPIBase: strings.TrimSuffix(envOrDefault("NOTION_API_BASE", "https://api.notion.com"), "/"),
		NotionVersion: envOrDefault("NOTION_VERSION", "2022-06-28"),
		ProbeTimeout:  probeTimeout,

		RelayURL:     strings.TrimSuffix(envOrDefault("RELAY_URL", "http://localhost:8080"), "/"),
		RelayTimeout: relayTimeout,

		Profile:                envOrDefault("EXTENSION_PROFILE", "gmail"),
		HistoryLimit:           historyLimit,
		ExportFilenameTemplate: envOrDefault("EXPORT_FILENAME_TEMPLATE", "extraction-{date}.csv"),
		StatusWindow:           statusWindow,

		LogLevel: parseLogLevel(os.Getenv("LOG_LEVEL")),
	}

	if cfg.StorageArea != StorageAreaSync && cfg.StorageArea != StorageAreaLocal {
		return Config{}, fmt.Errorf("STORAGE_AREA must be %q or %q, got %q", StorageAreaSync, StorageAreaLocal, cfg.StorageArea)
	}
	if _, err := LookupProfile(cfg.Profile); err != nil {
		return Config{}, fmt.Errorf("EXTENSION_PROFILE: %w", err)
	}

	return cfg, nil
}

// RequireSecret is checked by the commands that sign or verify relay tokens.
func (c Config) RequireSecret() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	return nil
}

func dotEnvPaths() []string {
	paths := []string{".env"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "extrelay", ".env"))
	}
	return paths
}

// loadDotEnv loads each file that exists. godotenv.Load never overrides variables already set.
func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

func defaultSQLitePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "extrelay.db"
	}
	return filepath.Join(dir, "extrelay", "extrelay.db")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
