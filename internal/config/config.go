// Package config provides layered configuration for the Pulse server:
// defaults, then a YAML or JSON file, then PULSE_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pulseboard/pulse/internal/cursor"
	"github.com/pulseboard/pulse/internal/logging"
	"github.com/pulseboard/pulse/internal/telemetry"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "PULSE_"

// Store types.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Object storage types for the archive.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config holds the full server configuration.
type Config struct {
	// DataDir is the base directory for the SQLite database, local archive
	// and staging files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP      HTTPConfig       `json:"http" yaml:"http"`
	GRPC      GRPCConfig       `json:"grpc" yaml:"grpc"`
	Store     StoreConfig      `json:"store" yaml:"store"`
	Ingest    IngestConfig     `json:"ingest" yaml:"ingest"`
	Aggregate AggregateConfig  `json:"aggregate" yaml:"aggregate"`
	Cache     CacheConfig      `json:"cache" yaml:"cache"`
	Cursor    CursorConfig     `json:"cursor" yaml:"cursor"`
	Archive   ArchiveConfig    `json:"archive" yaml:"archive"`
	Logging   logging.Config   `json:"logging" yaml:"logging"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
	Shutdown  ShutdownConfig   `json:"shutdown" yaml:"shutdown"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// MaxBodyBytes caps the size of an ingest request body
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// StoreConfig selects and configures the event store.
type StoreConfig struct {
	// Type is one of memory, sqlite, postgres
	Type string `json:"type" yaml:"type"`

	// SQLitePath defaults to <data_dir>/events.db
	SQLitePath      string `json:"sqlite_path" yaml:"sqlite_path"`
	SQLiteReadConns int    `json:"sqlite_read_conns" yaml:"sqlite_read_conns"`

	PostgresDSN      string `json:"postgres_dsn" yaml:"postgres_dsn"`
	PostgresMaxConns int32  `json:"postgres_max_conns" yaml:"postgres_max_conns"`
}

// IngestConfig tunes event persistence.
type IngestConfig struct {
	Workers        int           `json:"workers" yaml:"workers"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
}

// AggregateConfig tunes the aggregation engine.
type AggregateConfig struct {
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`
}

// CacheConfig configures the aggregation cache.
type CacheConfig struct {
	// Backend is memory or redis
	Backend  string `json:"backend" yaml:"backend"`
	RedisURL string `json:"redis_url" yaml:"redis_url"`

	TTL            time.Duration `json:"ttl" yaml:"ttl"`
	ComputeTimeout time.Duration `json:"compute_timeout" yaml:"compute_timeout"`

	Shards          int `json:"shards" yaml:"shards"`
	MaxShardEntries int `json:"max_shard_entries" yaml:"max_shard_entries"`
}

// CursorConfig holds the pagination cursor signing key.
type CursorConfig struct {
	// Secret signs cursors; when empty a random key is generated per process
	Secret string `json:"secret" yaml:"secret"`
}

// ArchiveConfig configures event archive export.
type ArchiveConfig struct {
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// StagingDir holds segments while they are written or downloaded
	StagingDir  string `json:"staging_dir" yaml:"staging_dir"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/pulse",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxBodyBytes: 10 << 20,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: false,
		},
		Store: StoreConfig{
			Type:             StoreSQLite,
			SQLiteReadConns:  4,
			PostgresMaxConns: 10,
		},
		Ingest: IngestConfig{
			Workers:        16,
			MaxRetries:     3,
			RetryBaseDelay: 50 * time.Millisecond,
		},
		Aggregate: AggregateConfig{
			QueryTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Backend:         CacheMemory,
			TTL:             60 * time.Second,
			ComputeTimeout:  15 * time.Second,
			Shards:          16,
			MaxShardEntries: 4096,
		},
		Archive: ArchiveConfig{
			Storage:     StorageConfig{Type: StorageLocal},
			Concurrency: 4,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			SampleRatio: 1,
			ServiceName: "pulse",
		},
		Shutdown: ShutdownConfig{
			Timeout:      30 * time.Second,
			DrainTimeout: 15 * time.Second,
		},
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/pulse"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = filepath.Join(c.DataDir, "events.db")
	}
	if c.Archive.Storage.Path == "" {
		c.Archive.Storage.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.Archive.StagingDir == "" {
		c.Archive.StagingDir = filepath.Join(c.DataDir, "staging")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be positive, got %d", c.HTTP.MaxBodyBytes)
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required when store type is sqlite")
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required when store type is postgres")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be memory, sqlite, or postgres)", c.Store.Type)
	}

	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers)
	}
	if c.Ingest.MaxRetries < 0 {
		return fmt.Errorf("ingest.max_retries must not be negative, got %d", c.Ingest.MaxRetries)
	}
	if c.Aggregate.QueryTimeout <= 0 {
		return fmt.Errorf("aggregate.query_timeout must be positive")
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required when cache backend is redis")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory or redis)", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.ComputeTimeout <= 0 {
		return fmt.Errorf("cache.compute_timeout must be positive")
	}

	if n := len(c.Cursor.Secret); n > 0 && n < cursor.MinSecretLength {
		return fmt.Errorf("cursor.secret must be at least %d bytes, got %d", cursor.MinSecretLength, n)
	}

	switch c.Archive.Storage.Type {
	case StorageLocal:
	case StorageS3:
		if c.Archive.Storage.S3.Bucket == "" {
			return fmt.Errorf("archive.storage.s3.bucket is required when storage type is s3")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Archive.Storage.Type)
	}
	if c.Archive.Concurrency < 1 {
		return fmt.Errorf("archive.concurrency must be at least 1, got %d", c.Archive.Concurrency)
	}
	return nil
}

// Load reads path (if non-empty) over the defaults and then applies the
// environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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

// LoadFromEnv overlays PULSE_* environment variables onto cfg. Malformed
// numeric, boolean or duration values are reported rather than ignored.
func LoadFromEnv(cfg *Config) error {
	e := envReader{}

	e.stringVar("DATA_DIR", &cfg.DataDir)

	e.stringVar("HTTP_ADDR", &cfg.HTTP.Addr)
	e.durationVar("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	e.durationVar("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	e.int64Var("HTTP_MAX_BODY_BYTES", &cfg.HTTP.MaxBodyBytes)

	e.stringVar("GRPC_ADDR", &cfg.GRPC.Addr)
	e.boolVar("GRPC_ENABLED", &cfg.GRPC.Enabled)

	e.stringVar("STORE_TYPE", &cfg.Store.Type)
	e.stringVar("SQLITE_PATH", &cfg.Store.SQLitePath)
	e.stringVar("POSTGRES_DSN", &cfg.Store.PostgresDSN)

	e.intVar("INGEST_WORKERS", &cfg.Ingest.Workers)
	e.intVar("INGEST_MAX_RETRIES", &cfg.Ingest.MaxRetries)

	e.durationVar("QUERY_TIMEOUT", &cfg.Aggregate.QueryTimeout)

	e.stringVar("CACHE_BACKEND", &cfg.Cache.Backend)
	e.stringVar("REDIS_URL", &cfg.Cache.RedisURL)
	e.durationVar("CACHE_TTL", &cfg.Cache.TTL)
	e.durationVar("CACHE_COMPUTE_TIMEOUT", &cfg.Cache.ComputeTimeout)

	e.stringVar("CURSOR_SECRET", &cfg.Cursor.Secret)

	e.stringVar("ARCHIVE_STORAGE_TYPE", &cfg.Archive.Storage.Type)
	e.stringVar("ARCHIVE_PATH", &cfg.Archive.Storage.Path)
	e.stringVar("S3_BUCKET", &cfg.Archive.Storage.S3.Bucket)
	e.stringVar("S3_REGION", &cfg.Archive.Storage.S3.Region)
	e.stringVar("S3_ENDPOINT", &cfg.Archive.Storage.S3.Endpoint)
	e.boolVar("S3_USE_PATH_STYLE", &cfg.Archive.Storage.S3.UsePathStyle)

	e.stringVar("LOG_LEVEL", &cfg.Logging.Level)
	e.stringVar("LOG_FORMAT", &cfg.Logging.Format)

	e.stringVar("OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	e.stringVar("OTLP_HEADERS", &cfg.Telemetry.Headers)

	return e.err
}

// envReader records the first malformed variable.
type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	return v, ok && v != ""
}

func (e *envReader) fail(name, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, v, err)
	}
}

func (e *envReader) stringVar(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) intVar(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64Var(name string, dst *int64) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) boolVar(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) durationVar(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}

// EnsureDirectories creates the directories the configured components write to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Archive.StagingDir}
	if c.Store.Type == StoreSQLite {
		dirs = append(dirs, filepath.Dir(c.Store.SQLitePath))
	}
	if c.Archive.Storage.Type == StorageLocal {
		dirs = append(dirs, c.Archive.Storage.Path)
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
