// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const insecureDefaultKey = "0000000000000000000000000000000000000000000000000000000000000000"

// AuthConfig holds authentication settings for the orchestrator-facing API.
type AuthConfig struct {
	IssuerURL      string   // OIDC issuer URL; enables OIDC token validation
	Audience       string   // required audience when IssuerURL is set
	AllowedIssuers []string // accepted issuers (defaults to [IssuerURL])
	JWTSecret      string   // HS256 shared secret for technical users
	AdminSubjects  []string // subjects allowed to use /api/admin endpoints
}

// OIDCEnabled returns true when an external identity provider is configured.
func (a *AuthConfig) OIDCEnabled() bool {
	return a.IssuerURL != ""
}

// StorageConfig selects and configures the input storage backend.
type StorageConfig struct {
	Backend string // local (default), s3, gcs, azure

	LocalPath string

	S3Endpoint string
	S3Region   string
	S3KeyID    string
	S3Secret   string
	S3Bucket   string

	GCSBucket      string
	GCSKeyFilePath string

	AzureAccountName string
	AzureAccountKey  string
	AzureContainer   string

	ReadMaxRetries  int           // default retries when reading job input
	ReadRetryWait   time.Duration // default wait between read attempts
	MaxUploadBytes  int64         // largest accepted input archive
	MaxExtractBytes int64         // total bytes one job's archives may unpack to
}

// Config holds the full server configuration.
type Config struct {
	MetaDBPath    string // path to the SQLite job store
	ListenAddr    string // HTTP listen address (default ":8080")
	EncryptionKey string // 64-char hex string (32-byte AES key) for job configurations
	LogLevel      string // debug, info, warn, error (default "info")
	Env           string // "development" (default) or "production"

	ServerID      string // server identity jobs are admitted for
	ProductsFile  string // YAML product catalog
	WorkspaceRoot string // directory where job workspaces are prepared

	CancelTriggerInterval time.Duration // reconciliation pass schedule (default 5s)
	LaunchTriggerInterval time.Duration // queue polling schedule (default 2s)
	OrphanAfter           time.Duration // CANCEL_REQUESTED jobs without handle older than this are canceled
	LauncherEnabled       bool          // run the built-in executor

	RateLimitRPS   float64
	RateLimitBurst int

	CORSAllowedOrigins []string

	Auth    AuthConfig
	Storage StorageConfig

	// Warnings collects non-fatal problems found while loading. They are
	// logged once the logger exists.
	Warnings []string
}

// SlogLevel maps LogLevel to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MetaDBPath:      os.Getenv("META_DB_PATH"),
		ListenAddr:      os.Getenv("LISTEN_ADDR"),
		EncryptionKey:   os.Getenv("ENCRYPTION_KEY"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		Env:             os.Getenv("ENV"),
		ServerID:        os.Getenv("SERVER_ID"),
		ProductsFile:    os.Getenv("PRODUCTS_FILE"),
		WorkspaceRoot:   os.Getenv("WORKSPACE_ROOT"),
		LauncherEnabled: parseBoolEnvDefault("LAUNCHER_ENABLED", true),
		Auth: AuthConfig{
			IssuerURL:      os.Getenv("AUTH_ISSUER_URL"),
			Audience:       os.Getenv("AUTH_AUDIENCE"),
			JWTSecret:      os.Getenv("JWT_SECRET"),
			AllowedIssuers: splitList(os.Getenv("AUTH_ALLOWED_ISSUERS")),
			AdminSubjects:  splitList(os.Getenv("AUTH_ADMIN_SUBJECTS")),
		},
		Storage: StorageConfig{
			Backend:          strings.ToLower(os.Getenv("STORAGE_BACKEND")),
			LocalPath:        os.Getenv("STORAGE_LOCAL_PATH"),
			S3Endpoint:       os.Getenv("S3_ENDPOINT"),
			S3Region:         os.Getenv("S3_REGION"),
			S3KeyID:          os.Getenv("S3_KEY_ID"),
			S3Secret:         os.Getenv("S3_SECRET"),
			S3Bucket:         os.Getenv("S3_BUCKET"),
			GCSBucket:        os.Getenv("GCS_BUCKET"),
			GCSKeyFilePath:   os.Getenv("GCS_KEY_FILE"),
			AzureAccountName: os.Getenv("AZURE_ACCOUNT_NAME"),
			AzureAccountKey:  os.Getenv("AZURE_ACCOUNT_KEY"),
			AzureContainer:   os.Getenv("AZURE_CONTAINER"),
		},
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	var err error
	if cfg.CancelTriggerInterval, err = durationEnv("CANCEL_TRIGGER_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.LaunchTriggerInterval, err = durationEnv("LAUNCH_TRIGGER_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.Storage.ReadRetryWait, err = durationEnv("STORAGE_READ_RETRY_WAIT", 2*time.Second); err != nil {
		return nil, err
	}
	orphanMinutes, err := intEnv("ORPHAN_MINUTES", 60)
	if err != nil {
		return nil, err
	}
	cfg.OrphanAfter = time.Duration(orphanMinutes) * time.Minute
	if cfg.Storage.ReadMaxRetries, err = intEnv("STORAGE_READ_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	maxUploadMB, err := intEnv("UPLOAD_MAX_MB", 512)
	if err != nil {
		return nil, err
	}
	cfg.Storage.MaxUploadBytes = int64(maxUploadMB) << 20
	maxExtractMB, err := intEnv("EXTRACT_MAX_MB", 4096)
	if err != nil {
		return nil, err
	}
	cfg.Storage.MaxExtractBytes = int64(maxExtractMB) << 20
	if cfg.RateLimitBurst, err = intEnv("RATE_LIMIT_BURST", 200); err != nil {
		return nil, err
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimitRPS = f
	}

	// Defaults
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "delegate_jobs.sqlite"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ServerID == "" {
		cfg.ServerID = "default"
	}
	if cfg.ProductsFile == "" {
		cfg.ProductsFile = "products.yaml"
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "uploads"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.EncryptionKey == "" {
		cfg.EncryptionKey = insecureDefaultKey
		cfg.Warnings = append(cfg.Warnings, "ENCRYPTION_KEY not set, using insecure default key")
	}
	if cfg.Auth.JWTSecret == "" && !cfg.Auth.OIDCEnabled() {
		cfg.Auth.JWTSecret = "dev-secret-change-in-production"
		cfg.Warnings = append(cfg.Warnings, "neither JWT_SECRET nor AUTH_ISSUER_URL set, using development secret")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.OrphanAfter <= 0 {
		return fmt.Errorf("ORPHAN_MINUTES must be positive")
	}
	if c.CancelTriggerInterval <= 0 || c.LaunchTriggerInterval <= 0 {
		return fmt.Errorf("trigger intervals must be positive")
	}
	if c.Storage.ReadMaxRetries < 0 {
		return fmt.Errorf("STORAGE_READ_MAX_RETRIES must not be negative")
	}
	if c.Auth.IssuerURL != "" && c.Auth.Audience == "" {
		return fmt.Errorf("AUTH_AUDIENCE is required when AUTH_ISSUER_URL is set")
	}
	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.S3Endpoint == "" || c.Storage.S3Bucket == "" || c.Storage.S3KeyID == "" || c.Storage.S3Secret == "" {
			return fmt.Errorf("S3 storage requires S3_ENDPOINT, S3_BUCKET, S3_KEY_ID and S3_SECRET")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("GCS storage requires GCS_BUCKET")
		}
	case "azure":
		if c.Storage.AzureAccountName == "" || c.Storage.AzureAccountKey == "" || c.Storage.AzureContainer == "" {
			return fmt.Errorf("Azure storage requires AZURE_ACCOUNT_NAME, AZURE_ACCOUNT_KEY and AZURE_CONTAINER")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}

	if c.IsProduction() {
		if c.EncryptionKey == insecureDefaultKey {
			return fmt.Errorf("ENCRYPTION_KEY must be set in production (ENV=production)")
		}
		if c.Auth.JWTSecret == "dev-secret-change-in-production" {
			return fmt.Errorf("JWT_SECRET or AUTH_ISSUER_URL must be set in production")
		}
		if len(c.CORSAllowedOrigins) == 1 && c.CORSAllowedOrigins[0] == "*" {
			return fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}
	return nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "0", "false", "no", "off":
		return false
	case "1", "true", "yes", "on":
		return true
	default:
		return defaultVal
	}
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
