package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:generate go run ../../cmd/schema/main.go schema.json

// Config holds the application configuration
type Config struct {
	Server struct {
		Listen  string        `yaml:"listen" json:"listen" jsonschema:"default=:8080,description=HTTP server listen address"`
		Timeout time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=HTTP server timeout"`
	} `yaml:"server" json:"server" jsonschema:"description=Server configuration"`

	Database struct {
		DSN             string `yaml:"dsn" json:"dsn" jsonschema:"default=file:tagsift.db?cache=shared&mode=rwc,description=Item cache database connection string"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns" jsonschema:"default=10,description=Maximum number of open connections"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns" jsonschema:"default=5,description=Maximum number of idle connections"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime" jsonschema:"default=3600,description=Connection maximum lifetime in seconds"`
	} `yaml:"database" json:"database" jsonschema:"description=Database configuration"`

	Tokenizer TokenizerConfig `yaml:"tokenizer" json:"tokenizer" jsonschema:"description=Tokenizer service configuration"`

	Classifier ClassifierConfig `yaml:"classifier" json:"classifier" jsonschema:"description=Classification engine configuration"`

	TagIndex TagIndexConfig `yaml:"tag_index" json:"tag_index" jsonschema:"description=Tag index synchronizer configuration"`

	Credentials string `yaml:"credentials" json:"credentials" jsonschema:"description=Path to HMAC credentials file; requests are unauthenticated when empty"`
}

// TokenizerConfig holds the external tokenizer endpoint settings
type TokenizerConfig struct {
	Endpoint string        `yaml:"endpoint" json:"endpoint" jsonschema:"required,description=Tokenizer service URL"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=Tokenization request timeout"`
	Workers  int           `yaml:"workers" json:"workers" jsonschema:"default=2,description=Concurrent tokenization requests"`
}

// ClassifierConfig holds classification engine settings
type ClassifierConfig struct {
	PositiveThreshold   float64       `yaml:"positive_threshold" json:"positive_threshold" jsonschema:"default=0.9,minimum=0,maximum=1,description=Minimum score for an item to be published"`
	MinTokens           int           `yaml:"min_tokens" json:"min_tokens" jsonschema:"default=50,description=Entries below this token count are excluded from scoring"`
	LoadItemsSince      time.Duration `yaml:"load_items_since" json:"load_items_since" jsonschema:"default=720h,description=Ingestion horizon; older entries are not scored"`
	MissingItemTimeout  time.Duration `yaml:"missing_item_timeout" json:"missing_item_timeout" jsonschema:"default=60s,description=How long a job waits for missing items to tokenize"`
	CacheUpdateWaitTime time.Duration `yaml:"cache_update_wait_time" json:"cache_update_wait_time" jsonschema:"default=1s,description=Poll interval while waiting for item tokenization"`
	Workers             int           `yaml:"workers" json:"workers" jsonschema:"default=5,description=Maximum concurrent classification jobs"`
	PublishRetries      int           `yaml:"publish_retries" json:"publish_retries" jsonschema:"default=3,description=Retry budget for result publishing"`
	PublishTimeout      time.Duration `yaml:"publish_timeout" json:"publish_timeout" jsonschema:"default=30s,description=Timeout per publish attempt"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout" json:"fetch_timeout" jsonschema:"default=30s,description=Timeout per tag fetch"`
}

// TagIndexConfig holds the tag registry settings
type TagIndexConfig struct {
	URL             string        `yaml:"url" json:"url" jsonschema:"description=Tag index URL; synchronizer is disabled when empty"`
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval" jsonschema:"default=10m,description=Registry refresh interval"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()

	// validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// verify against embedded schema
	if err := VerifyAgainstEmbeddedSchema(&cfg); err != nil {
		// log warning but don't fail - schema validation is supplementary
		fmt.Printf("warning: schema validation failed: %v\n", err)
	}

	return &cfg, nil
}

// setDefaults fills zero values with defaults
func (c *Config) setDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 30 * time.Second
	}

	if c.Database.DSN == "" {
		c.Database.DSN = "file:tagsift.db?cache=shared&mode=rwc&_txlock=immediate"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 3600
	}

	if c.Tokenizer.Timeout == 0 {
		c.Tokenizer.Timeout = 30 * time.Second
	}
	if c.Tokenizer.Workers == 0 {
		c.Tokenizer.Workers = 2
	}

	if c.Classifier.PositiveThreshold == 0 {
		c.Classifier.PositiveThreshold = 0.9
	}
	if c.Classifier.MinTokens == 0 {
		c.Classifier.MinTokens = 50
	}
	if c.Classifier.LoadItemsSince == 0 {
		c.Classifier.LoadItemsSince = 30 * 24 * time.Hour
	}
	if c.Classifier.MissingItemTimeout == 0 {
		c.Classifier.MissingItemTimeout = 60 * time.Second
	}
	if c.Classifier.CacheUpdateWaitTime == 0 {
		c.Classifier.CacheUpdateWaitTime = time.Second
	}
	if c.Classifier.Workers == 0 {
		c.Classifier.Workers = 5
	}
	if c.Classifier.PublishRetries == 0 {
		c.Classifier.PublishRetries = 3
	}
	if c.Classifier.PublishTimeout == 0 {
		c.Classifier.PublishTimeout = 30 * time.Second
	}
	if c.Classifier.FetchTimeout == 0 {
		c.Classifier.FetchTimeout = 30 * time.Second
	}

	if c.TagIndex.RefreshInterval == 0 {
		c.TagIndex.RefreshInterval = 10 * time.Minute
	}
}

// validate checks configuration for correctness
func validate(cfg *Config) error {
	if cfg.Tokenizer.Endpoint == "" {
		return fmt.Errorf("tokenizer.endpoint is required")
	}
	if cfg.Classifier.PositiveThreshold < 0 || cfg.Classifier.PositiveThreshold > 1 {
		return fmt.Errorf("classifier.positive_threshold must be between 0 and 1")
	}
	if cfg.Classifier.MinTokens < 0 {
		return fmt.Errorf("classifier.min_tokens must be non-negative")
	}
	if cfg.Classifier.MissingItemTimeout < time.Second {
		return fmt.Errorf("classifier.missing_item_timeout must be at least 1 second")
	}
	if cfg.Classifier.CacheUpdateWaitTime <= 0 {
		return fmt.Errorf("classifier.cache_update_wait_time must be positive")
	}
	if cfg.Server.Timeout < time.Second {
		return fmt.Errorf("server timeout must be at least 1 second")
	}
	return nil
}

// GetServerConfig returns server configuration
func (c *Config) GetServerConfig() (listen string, timeout time.Duration) {
	return c.Server.Listen, c.Server.Timeout
}

// GetClassifierConfig returns classification engine configuration
func (c *Config) GetClassifierConfig() ClassifierConfig {
	return c.Classifier
}

// GetTokenizerConfig returns tokenizer configuration
func (c *Config) GetTokenizerConfig() TokenizerConfig {
	return c.Tokenizer
}

// GetTagIndexConfig returns tag index configuration
func (c *Config) GetTagIndexConfig() TagIndexConfig {
	return c.TagIndex
}
