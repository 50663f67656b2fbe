// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Corpus    CorpusConfig    `mapstructure:"corpus"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CorpusConfig sets where the corpus and its caches live on disk.
type CorpusConfig struct {
	Path    string `mapstructure:"path"`
	DataDir string `mapstructure:"data_dir"`
}

// HarvestConfig governs run-wide fetching behavior.
type HarvestConfig struct {
	IndexConcurrency    int    `mapstructure:"index_concurrency"`
	DocumentConcurrency int    `mapstructure:"document_concurrency"`
	UserAgent           string `mapstructure:"user_agent"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
}

// SourcesConfig selects which sources a run harvests.
type SourcesConfig struct {
	Enabled []string `mapstructure:"enabled"`
}

// RateLimitConfig controls per-host politeness.
type RateLimitConfig struct {
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// OCRConfig configures the PDF text extraction pool. Command is the argv
// template for the external extractor; "{pdf}" expands to the document path.
// An empty command disables PDF extraction for the run.
type OCRConfig struct {
	Workers int      `mapstructure:"workers"`
	Scale   int      `mapstructure:"scale"`
	Command []string `mapstructure:"command"`
}

// ServerConfig controls the operational HTTP endpoint serving health and
// metrics.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("corpus.path", "corpus.jsonl")
	v.SetDefault("corpus.data_dir", "data")
	v.SetDefault("harvest.index_concurrency", 30)
	v.SetDefault("harvest.document_concurrency", 30)
	v.SetDefault("harvest.user_agent", "lexcorpus-harvester/1.0")
	v.SetDefault("harvest.timeout_seconds", 300)
	v.SetDefault("sources.enabled", []string{
		"federal_register_of_legislation",
		"federal_court_of_australia",
		"western_australian_legislation",
		"high_court_of_australia",
	})
	v.SetDefault("rate_limit.default_rps", 10.0)
	v.SetDefault("rate_limit.default_burst", 5)
	v.SetDefault("ocr.workers", 1)
	v.SetDefault("ocr.scale", 3)
	v.SetDefault("ocr.command", []string{"pdftotext", "-layout", "{pdf}", "-"})
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Corpus.Path == "" {
		return fmt.Errorf("corpus.path must be set")
	}
	if c.Corpus.DataDir == "" {
		return fmt.Errorf("corpus.data_dir must be set")
	}
	if c.Harvest.IndexConcurrency <= 0 {
		return fmt.Errorf("harvest.index_concurrency must be > 0")
	}
	if c.Harvest.DocumentConcurrency <= 0 {
		return fmt.Errorf("harvest.document_concurrency must be > 0")
	}
	if c.Harvest.TimeoutSeconds <= 0 {
		return fmt.Errorf("harvest.timeout_seconds must be > 0")
	}
	if len(c.Sources.Enabled) == 0 {
		return fmt.Errorf("sources.enabled must name at least one source")
	}
	if c.OCR.Workers <= 0 {
		return fmt.Errorf("ocr.workers must be > 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

// Timeout converts the HTTP timeout config into a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Harvest.TimeoutSeconds) * time.Second
}
