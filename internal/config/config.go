// Package config loads toolbridge settings from an optional YAML file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting the service needs at startup.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Gemini  GeminiConfig  `yaml:"gemini"`
	Extract ExtractConfig `yaml:"extract"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Search  SearchConfig  `yaml:"search"`
	Crawl   CrawlConfig   `yaml:"crawl"`
}

type ServerConfig struct {
	Address     string `yaml:"address"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "text" or "json"
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// GeminiConfig configures the language model used for extraction, code
// generation and embeddings.
type GeminiConfig struct {
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	EmbeddingModel string        `yaml:"embedding_model"`
	Temperature    float32       `yaml:"temperature"`
	Timeout        time.Duration `yaml:"timeout"`
}

type ExtractConfig struct {
	Concurrency     int `yaml:"concurrency"`
	SchemaCacheSize int `yaml:"schema_cache_size"`
}

// SandboxConfig points at the Jupyter server that executes notebook cells.
type SandboxConfig struct {
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	KernelName      string        `yaml:"kernel_name"`
	UploadDir       string        `yaml:"upload_dir"`
	ChartDir        string        `yaml:"chart_dir"`
	Timeout         time.Duration `yaml:"timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

// SearchConfig points at the Redis Stack instance that hosts hybrid indexes.
type SearchConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Alpha    float64       `yaml:"alpha"`
	TopK     int           `yaml:"top_k"`
	Timeout  time.Duration `yaml:"timeout"`
}

type CrawlConfig struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	DefaultLimit int           `yaml:"default_limit"`
	MaxLimit     int           `yaml:"max_limit"`
	Concurrency  int           `yaml:"concurrency"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Default returns a configuration that works against local services.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:     ":8080",
			MaxUploadMB: 32,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
		Gemini: GeminiConfig{
			Model:          "gemini-2.0-flash",
			EmbeddingModel: "gemini-embedding-001",
			Temperature:    0.2,
			Timeout:        60 * time.Second,
		},
		Extract: ExtractConfig{
			Concurrency:     4,
			SchemaCacheSize: 128,
		},
		Sandbox: SandboxConfig{
			URL:             "http://localhost:8888",
			KernelName:      "python3",
			UploadDir:       "uploads",
			ChartDir:        "charts",
			Timeout:         120 * time.Second,
			DownloadTimeout: 60 * time.Second,
		},
		Search: SearchConfig{
			Addr:    "localhost:6379",
			Alpha:   0.5,
			TopK:    4,
			Timeout: 30 * time.Second,
		},
		Crawl: CrawlConfig{
			URL:          "https://api.firecrawl.dev",
			DefaultLimit: 7,
			MaxLimit:     50,
			Concurrency:  4,
			Timeout:      60 * time.Second,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies .env and
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	_ = godotenv.Load()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Address = ":" + port
	}
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&cfg.Gemini.Model, "GEMINI_MODEL")
	setString(&cfg.Gemini.EmbeddingModel, "GEMINI_EMBEDDING_MODEL")
	setString(&cfg.Crawl.APIKey, "FIRECRAWL_API_KEY")
	setString(&cfg.Crawl.URL, "FIRECRAWL_URL")
	setString(&cfg.Sandbox.URL, "JUPYTER_URL")
	setString(&cfg.Sandbox.Token, "JUPYTER_TOKEN")
	setString(&cfg.Search.Addr, "REDIS_ADDR")
	setString(&cfg.Search.Password, "REDIS_PASSWORD")
	if db, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		cfg.Search.DB = db
	}
}

// Validate rejects settings that would make the service misbehave.
func (c Config) Validate() error {
	var errs []error
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("server.max_upload_mb must be positive"))
	}
	if c.Extract.Concurrency <= 0 {
		errs = append(errs, errors.New("extract.concurrency must be positive"))
	}
	if c.Extract.SchemaCacheSize < 0 {
		errs = append(errs, errors.New("extract.schema_cache_size must not be negative"))
	}
	if c.Crawl.DefaultLimit < 0 || c.Crawl.MaxLimit < c.Crawl.DefaultLimit {
		errs = append(errs, errors.New("crawl limits must satisfy 0 <= default_limit <= max_limit"))
	}
	if c.Crawl.Concurrency <= 0 {
		errs = append(errs, errors.New("crawl.concurrency must be positive"))
	}
	if c.Search.Alpha < 0 || c.Search.Alpha > 1 {
		errs = append(errs, errors.New("search.alpha must be within [0, 1]"))
	}
	for name, d := range map[string]time.Duration{
		"gemini.timeout":           c.Gemini.Timeout,
		"sandbox.timeout":          c.Sandbox.Timeout,
		"sandbox.download_timeout": c.Sandbox.DownloadTimeout,
		"search.timeout":           c.Search.Timeout,
		"crawl.timeout":            c.Crawl.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}
