package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	SQLitePath     string `mapstructure:"SQLITE_PATH"`
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	PostgresURL    string `mapstructure:"POSTGRES_URL"`

	BackendURL     string        `mapstructure:"BACKEND_URL"`
	BackendToken   string        `mapstructure:"BACKEND_TOKEN"`
	BackendTimeout time.Duration `mapstructure:"BACKEND_TIMEOUT"`

	TaskSource string `mapstructure:"TASK_SOURCE"`
	TasksDir   string `mapstructure:"TASKS_DIR"`

	MaxConcurrency  int           `mapstructure:"MAX_CONCURRENCY"`
	PageLoadTimeout time.Duration `mapstructure:"PAGE_LOAD_TIMEOUT"`
	SessionMaxAge   time.Duration `mapstructure:"SESSION_MAX_AGE"`
	Headless        bool          `mapstructure:"HEADLESS"`
	ChromePath      string        `mapstructure:"CHROME_PATH"`
	UserAgent       string        `mapstructure:"USER_AGENT"`
	// ProxyURLs and UserAgents are comma separated in the environment.
	ProxyURLs  []string `mapstructure:"PROXY_URLS"`
	UserAgents []string `mapstructure:"USER_AGENTS"`

	SyncBatchSize  int           `mapstructure:"SYNC_BATCH_SIZE"`
	SyncRetryTimes int           `mapstructure:"SYNC_RETRY_TIMES"`
	SyncRetryDelay time.Duration `mapstructure:"SYNC_RETRY_DELAY"`

	CaptchaAPIURL  string        `mapstructure:"CAPTCHA_API_URL"`
	CaptchaAPIKey  string        `mapstructure:"CAPTCHA_API_KEY"`
	CaptchaTimeout time.Duration `mapstructure:"CAPTCHA_TIMEOUT"`
	TesseractPath  string        `mapstructure:"TESSERACT_PATH"`
}

var defaults = map[string]any{
	"SERVER_PORT":       "8080",
	"LOG_LEVEL":         "info",
	"STORAGE_BACKEND":   "sqlite",
	"SQLITE_PATH":       "./storage/ptcrawler.db",
	"REDIS_ADDR":        "localhost:6379",
	"REDIS_PASSWORD":    "",
	"REDIS_DB":          0,
	"POSTGRES_URL":      "",
	"BACKEND_URL":       "",
	"BACKEND_TOKEN":     "",
	"BACKEND_TIMEOUT":   "30s",
	"TASK_SOURCE":       "file",
	"TASKS_DIR":         "./tasks",
	"MAX_CONCURRENCY":   3,
	"PAGE_LOAD_TIMEOUT": "60s",
	"SESSION_MAX_AGE":   "24h",
	"HEADLESS":          true,
	"CHROME_PATH":       "",
	"USER_AGENT":        "",
	"PROXY_URLS":        []string{},
	"USER_AGENTS":       []string{},
	"SYNC_BATCH_SIZE":   50,
	"SYNC_RETRY_TIMES":  3,
	"SYNC_RETRY_DELAY":  "1s",
	"CAPTCHA_API_URL":   "https://api.anti-captcha.com",
	"CAPTCHA_API_KEY":   "",
	"CAPTCHA_TIMEOUT":   "120s",
	"TESSERACT_PATH":    "tesseract",
}

// Load reads configuration from an optional file and environment variables.
// An empty path falls back to ./.env when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigFile(".env")
		v.SetConfigType("env")
		// Attempt to read the .env file, but don't fail if it's not present
		_ = v.ReadInConfig()
	} else {
		v.SetConfigFile(path)
		if strings.HasSuffix(path, ".env") {
			v.SetConfigType("env")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StorageBackend {
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
		}
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis backend"))
		}
	case "postgres":
		if c.PostgresURL == "" {
			errs = append(errs, errors.New("POSTGRES_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}
	switch c.TaskSource {
	case "file":
	case "backend":
		if c.BackendURL == "" {
			errs = append(errs, errors.New("BACKEND_URL is required when TASK_SOURCE=backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TASK_SOURCE %q", c.TaskSource))
	}
	if c.MaxConcurrency < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENCY must be at least 1"))
	}
	if c.SyncBatchSize < 1 {
		errs = append(errs, errors.New("SYNC_BATCH_SIZE must be at least 1"))
	}
	if c.SyncRetryTimes < 0 {
		errs = append(errs, errors.New("SYNC_RETRY_TIMES must not be negative"))
	}
	return errors.Join(errs...)
}
