// Package config provides unified configuration for the dicomindex services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents which background services to run.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeIndex  Mode = "index"
	ModeWorker Mode = "worker"
)

// Config holds the unified configuration for the dicomindex services.
type Config struct {
	// Mode specifies which services to run: all, index, worker
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP         HTTPConfig         `json:"http" yaml:"http"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Store        StoreConfig        `json:"store" yaml:"store"`
	Blob         BlobConfig         `json:"blob" yaml:"blob"`
	ExtendedTags ExtendedTagsConfig `json:"extended_tags" yaml:"extended_tags"`
	Reindex      ReindexConfig      `json:"reindex" yaml:"reindex"`
	Cleanup      CleanupConfig      `json:"cleanup" yaml:"cleanup"`
	Query        QueryConfig        `json:"query" yaml:"query"`
	ChangeFeed   ChangeFeedConfig   `json:"change_feed" yaml:"change_feed"`
	Health       HealthConfig       `json:"health" yaml:"health"`
}

// HTTPConfig holds the operational HTTP endpoint configuration (/metrics, /health).
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// StoreConfig holds index database configuration.
type StoreConfig struct {
	// Path is the SQLite database file (defaults to DataDir/index.db)
	Path string `json:"path" yaml:"path"`

	// BusyTimeout is how long a writer waits on a locked database
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`

	// ReadConns is the size of the read connection pool
	ReadConns int `json:"read_conns" yaml:"read_conns"`

	// MaxRetriesWhenTagVersionMismatch bounds EndCreate retries on a stale tag snapshot
	MaxRetriesWhenTagVersionMismatch int `json:"max_retries_when_tag_version_mismatch" yaml:"max_retries_when_tag_version_mismatch"`
}

// BlobConfig holds object storage configuration.
type BlobConfig struct {
	// Type is the storage type: local or s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3-specific configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// ExtendedTagsConfig bounds extended query tag definitions.
type ExtendedTagsConfig struct {
	// MaxAllowedCount is the maximum number of extended query tags
	MaxAllowedCount int `json:"max_allowed_count" yaml:"max_allowed_count"`

	// SnapshotTTL is how long a cached queryable-tag snapshot is served
	SnapshotTTL time.Duration `json:"snapshot_ttl" yaml:"snapshot_ttl"`
}

// ReindexConfig holds reindex orchestrator configuration.
type ReindexConfig struct {
	// BatchSize is the number of watermarks covered by one batch
	BatchSize int64 `json:"batch_size" yaml:"batch_size"`

	// MaxParallelBatches bounds concurrently processed batches
	MaxParallelBatches int `json:"max_parallel_batches" yaml:"max_parallel_batches"`

	// ThreadsPerBatch bounds concurrently processed instances within a batch
	ThreadsPerBatch int `json:"threads_per_batch" yaml:"threads_per_batch"`

	// MaxRetries is the number of retries for a failed batch
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryBaseDelay is the first backoff delay, doubled per attempt
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`

	// ResumeInterval is how often orphaned operations are resumed
	ResumeInterval time.Duration `json:"resume_interval" yaml:"resume_interval"`
}

// CleanupConfig holds deleted-instance sweeper configuration.
type CleanupConfig struct {
	Interval     time.Duration `json:"interval" yaml:"interval"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`

	// DeleteDelay is the grace period between soft delete and purge
	DeleteDelay time.Duration `json:"delete_delay" yaml:"delete_delay"`
}

// QueryConfig holds query limits.
type QueryConfig struct {
	DefaultLimit int `json:"default_limit" yaml:"default_limit"`
	MaxLimit     int `json:"max_limit" yaml:"max_limit"`
}

// ChangeFeedConfig holds the change feed relay configuration.
// The relay is disabled when AMQPURL is empty.
type ChangeFeedConfig struct {
	AMQPURL      string        `json:"amqp_url" yaml:"amqp_url"`
	Exchange     string        `json:"exchange" yaml:"exchange"`
	Shards       int           `json:"shards" yaml:"shards"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	PageSize     int           `json:"page_size" yaml:"page_size"`
}

// HealthConfig holds health signal caching configuration.
// Values are cached in Redis when RedisAddr is set, otherwise in process.
type HealthConfig struct {
	RedisAddr     string        `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `json:"redis_password" yaml:"redis_password"`
	RedisDB       int           `json:"redis_db" yaml:"redis_db"`
	CacheTTL      time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/dicomindex",
		HTTP: HTTPConfig{
			Addr:         ":8090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			BusyTimeout:                      5 * time.Second,
			ReadConns:                        4,
			MaxRetriesWhenTagVersionMismatch: 3,
		},
		Blob: BlobConfig{
			Type: "local",
		},
		ExtendedTags: ExtendedTagsConfig{
			MaxAllowedCount: 128,
			SnapshotTTL:     5 * time.Second,
		},
		Reindex: ReindexConfig{
			BatchSize:          100,
			MaxParallelBatches: 4,
			ThreadsPerBatch:    5,
			MaxRetries:         3,
			RetryBaseDelay:     100 * time.Millisecond,
			ResumeInterval:     time.Minute,
		},
		Cleanup: CleanupConfig{
			Interval:     time.Minute,
			BatchSize:    10,
			MaxRetries:   5,
			RetryBackoff: time.Hour,
			DeleteDelay:  time.Hour,
		},
		Query: QueryConfig{
			DefaultLimit: 100,
			MaxLimit:     200,
		},
		ChangeFeed: ChangeFeedConfig{
			Exchange:     "dicomindex.changefeed",
			Shards:       4,
			PollInterval: 5 * time.Second,
			PageSize:     100,
		},
		Health: HealthConfig{
			CacheTTL: 5 * time.Minute,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/dicomindex"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "index.db")
	}
	if c.Blob.Path == "" {
		c.Blob.Path = filepath.Join(c.DataDir, "blobs")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeIndex, ModeWorker:
	default:
		return fmt.Errorf("invalid mode: %s (must be all, index, or worker)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Blob.Type != "local" && c.Blob.Type != "s3" {
		return fmt.Errorf("invalid blob type: %s (must be local or s3)", c.Blob.Type)
	}
	if c.Blob.Type == "s3" && c.Blob.S3.Bucket == "" {
		return fmt.Errorf("blob.s3.bucket is required when blob type is s3")
	}

	if c.ExtendedTags.MaxAllowedCount < 1 {
		return fmt.Errorf("extended_tags.max_allowed_count must be positive, got %d", c.ExtendedTags.MaxAllowedCount)
	}

	if c.Reindex.BatchSize < 1 {
		return fmt.Errorf("reindex.batch_size must be positive, got %d", c.Reindex.BatchSize)
	}
	if c.Reindex.MaxParallelBatches < 1 || c.Reindex.ThreadsPerBatch < 1 {
		return fmt.Errorf("reindex.max_parallel_batches and reindex.threads_per_batch must be positive")
	}
	if c.Reindex.MaxRetries < 0 {
		return fmt.Errorf("reindex.max_retries must not be negative, got %d", c.Reindex.MaxRetries)
	}

	if c.Cleanup.BatchSize < 1 || c.Cleanup.MaxRetries < 1 {
		return fmt.Errorf("cleanup.batch_size and cleanup.max_retries must be positive")
	}

	if c.Query.DefaultLimit < 1 || c.Query.DefaultLimit > c.Query.MaxLimit {
		return fmt.Errorf("query.default_limit must be between 1 and query.max_limit (%d), got %d", c.Query.MaxLimit, c.Query.DefaultLimit)
	}

	if c.ChangeFeed.AMQPURL != "" && c.ChangeFeed.Shards < 1 {
		return fmt.Errorf("change_feed.shards must be positive, got %d", c.ChangeFeed.Shards)
	}

	return nil
}

// ShouldRunWorkers returns true if the background workers should run.
func (c *Config) ShouldRunWorkers() bool {
	return c.Mode == ModeAll || c.Mode == ModeWorker
}

// ShouldServeIndex returns true if the index services should be served.
func (c *Config) ShouldServeIndex() bool {
	return c.Mode == ModeAll || c.Mode == ModeIndex
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overrides configuration from DICOMINDEX_* environment variables.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DICOMINDEX_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("DICOMINDEX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DICOMINDEX_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Logging
	if v := os.Getenv("DICOMINDEX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DICOMINDEX_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Store
	if v := os.Getenv("DICOMINDEX_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	envDuration("DICOMINDEX_STORE_BUSY_TIMEOUT", &cfg.Store.BusyTimeout)

	// Blob storage
	if v := os.Getenv("DICOMINDEX_BLOB_TYPE"); v != "" {
		cfg.Blob.Type = v
	}
	if v := os.Getenv("DICOMINDEX_BLOB_PATH"); v != "" {
		cfg.Blob.Path = v
	}
	if v := os.Getenv("DICOMINDEX_S3_BUCKET"); v != "" {
		cfg.Blob.S3.Bucket = v
	}
	if v := os.Getenv("DICOMINDEX_S3_REGION"); v != "" {
		cfg.Blob.S3.Region = v
	}
	if v := os.Getenv("DICOMINDEX_S3_ENDPOINT"); v != "" {
		cfg.Blob.S3.Endpoint = v
	}
	if v := os.Getenv("DICOMINDEX_S3_USE_PATH_STYLE"); v != "" {
		cfg.Blob.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Extended tags and reindex
	envInt("DICOMINDEX_EXTENDED_TAGS_MAX_COUNT", &cfg.ExtendedTags.MaxAllowedCount)
	if v := os.Getenv("DICOMINDEX_REINDEX_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Reindex.BatchSize)
	}
	envInt("DICOMINDEX_REINDEX_MAX_PARALLEL_BATCHES", &cfg.Reindex.MaxParallelBatches)
	envInt("DICOMINDEX_REINDEX_THREADS_PER_BATCH", &cfg.Reindex.ThreadsPerBatch)
	envInt("DICOMINDEX_REINDEX_MAX_RETRIES", &cfg.Reindex.MaxRetries)

	// Cleanup
	envDuration("DICOMINDEX_CLEANUP_INTERVAL", &cfg.Cleanup.Interval)
	envDuration("DICOMINDEX_CLEANUP_DELETE_DELAY", &cfg.Cleanup.DeleteDelay)
	envInt("DICOMINDEX_CLEANUP_MAX_RETRIES", &cfg.Cleanup.MaxRetries)

	// Change feed relay and health cache
	if v := os.Getenv("DICOMINDEX_AMQP_URL"); v != "" {
		cfg.ChangeFeed.AMQPURL = v
	}
	if v := os.Getenv("DICOMINDEX_REDIS_ADDR"); v != "" {
		cfg.Health.RedisAddr = v
	}
	if v := os.Getenv("DICOMINDEX_REDIS_PASSWORD"); v != "" {
		cfg.Health.RedisPassword = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		fmt.Sscanf(v, "%d", dst)
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// EnsureDirectories creates the data and local blob directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, filepath.Dir(c.Store.Path)}
	if c.Blob.Type == "local" {
		dirs = append(dirs, c.Blob.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
