package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Archive  ArchiveConfig  `koanf:"archive"`
	LLM      LLMConfig      `koanf:"llm"`
	OCR      OCRConfig      `koanf:"ocr"`
	Webhook  WebhookConfig  `koanf:"webhook"`
	Worker   WorkerConfig   `koanf:"worker"`
	Resolver ResolverConfig `koanf:"resolver"`
	Sync     SyncConfig     `koanf:"sync"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

// ArchiveConfig points at the external document archive's REST API.
type ArchiveConfig struct {
	BaseURL string        `koanf:"base_url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout"`
}

type LLMConfig struct {
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	Timeout     time.Duration `koanf:"timeout"`
	Temperature float64       `koanf:"temperature"`
}

type OCRConfig struct {
	Languages []string `koanf:"languages"`
	// ConfidenceThreshold is the mean word confidence in [0,1] below which
	// a warning is recorded.
	ConfidenceThreshold float64       `koanf:"confidence_threshold"`
	Timeout             time.Duration `koanf:"timeout"`
	MaxDimension        int           `koanf:"max_dimension"`
}

type WebhookConfig struct {
	Secret       string `koanf:"secret"`
	ReprocessTag string `koanf:"reprocess_tag"`
	ProcessedTag string `koanf:"processed_tag"`
	ErrorTag     string `koanf:"error_tag"`
	PendingTag   string `koanf:"pending_tag"`
}

type WorkerConfig struct {
	Concurrency  int           `koanf:"concurrency"`
	PollInterval time.Duration `koanf:"poll_interval"`
	MaxRetries   int           `koanf:"max_retries"`
	BackoffBase  time.Duration `koanf:"backoff_base"`
	BackoffCap   time.Duration `koanf:"backoff_cap"`
}

type ResolverConfig struct {
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	CacheSize         int           `koanf:"cache_size"`
	MatchThreshold    float64       `koanf:"match_threshold"`
	MaxCorrespondents int           `koanf:"max_correspondents"`
}

type SyncConfig struct {
	Enabled       bool          `koanf:"enabled"`
	BaseURL       string        `koanf:"base_url"`
	APIKey        string        `koanf:"api_key"`
	KnowledgeBase string        `koanf:"knowledge_base"`
	Timeout       time.Duration `koanf:"timeout"`
}

// Load reads configuration from an optional YAML file layered under
// DEDOX_-prefixed environment variables. Env vars win; double underscores
// separate nesting levels (DEDOX_SERVER__PORT -> server.port).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("DEDOX_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "DEDOX_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"server.port":                 8080,
		"storage.path":                "./data/dedox.db",
		"archive.base_url":            "http://paperless:8000",
		"archive.timeout":             "30s",
		"llm.base_url":                "http://ollama:11434",
		"llm.model":                   "qwen2.5:14b",
		"llm.timeout":                 "10m",
		"llm.temperature":             0.1,
		"ocr.languages":               []string{"deu", "eng"},
		"ocr.confidence_threshold":    0.6,
		"ocr.timeout":                 "2m",
		"ocr.max_dimension":           3500,
		"webhook.reprocess_tag":       "dedox:reprocess",
		"webhook.processed_tag":       "dedox:enhanced",
		"webhook.error_tag":           "dedox:error",
		"webhook.pending_tag":         "dedox:processing",
		"worker.concurrency":          3,
		"worker.poll_interval":        "2s",
		"worker.max_retries":          3,
		"worker.backoff_base":         "5s",
		"worker.backoff_cap":          "5m",
		"resolver.cache_ttl":          "5m",
		"resolver.cache_size":         512,
		"resolver.match_threshold":    0.8,
		"resolver.max_correspondents": 200,
		"sync.enabled":                false,
		"sync.base_url":               "http://open-webui:8080",
		"sync.knowledge_base":         "dedox-documents",
		"sync.timeout":                "60s",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must not be negative, got %d", c.Worker.MaxRetries)
	}
	if c.Resolver.MatchThreshold < 0 || c.Resolver.MatchThreshold > 1 {
		return fmt.Errorf("resolver match_threshold must be in [0,1], got %f", c.Resolver.MatchThreshold)
	}
	return nil
}
