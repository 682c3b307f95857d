// Package config provides configuration for the indexkeeper service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arkilian/indexkeeper/internal/script"
)

// Config holds the configuration of the indexkeeper service.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP        HTTPConfig        `json:"http" yaml:"http"`
	GRPC        GRPCConfig        `json:"grpc" yaml:"grpc"`
	Store       StoreConfig       `json:"store" yaml:"store"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Lock        LockConfig        `json:"lock" yaml:"lock"`
	Queue       QueueConfig       `json:"queue" yaml:"queue"`
	Reindex     ReindexConfig     `json:"reindex" yaml:"reindex"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`

	// Indices declares the managed logical indices
	Indices []IndexConfig `json:"indices" yaml:"indices"`
}

// HTTPConfig holds admin HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC health server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	// Type is the store type: sqlite, elasticsearch
	Type string `json:"type" yaml:"type"`

	// Path is the SQLite database path (for sqlite type)
	Path string `json:"path" yaml:"path"`

	// ScrollKeepAlive is how long an idle cursor survives in the store
	ScrollKeepAlive time.Duration `json:"scroll_keep_alive" yaml:"scroll_keep_alive"`

	Elasticsearch ElasticsearchConfig `json:"elasticsearch" yaml:"elasticsearch"`
}

// ElasticsearchConfig holds Elasticsearch connection settings.
type ElasticsearchConfig struct {
	Addresses []string `json:"addresses" yaml:"addresses"`
	Username  string   `json:"username" yaml:"username"`
	Password  string   `json:"password" yaml:"password"`
	// Refresh is the refresh policy for writes: "", "true", "false", "wait_for"
	Refresh string `json:"refresh" yaml:"refresh"`
}

// CacheConfig selects the external cache holding checkpoints and partition memos.
type CacheConfig struct {
	// Type is the cache type: memory, redis, object
	Type string `json:"type" yaml:"type"`

	// Prefix is prepended to every key (redis, object)
	Prefix string `json:"prefix" yaml:"prefix"`

	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig holds Redis connection settings shared by the cache and the lock.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// StorageConfig holds object storage configuration for the object cache.
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
	Prefix       string `json:"prefix" yaml:"prefix"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// LockConfig selects the distributed lock.
type LockConfig struct {
	// Type is the lock type: memory, sqlite, redis
	Type string `json:"type" yaml:"type"`
}

// QueueConfig selects the work queue.
type QueueConfig struct {
	// Type is the queue type: memory, sqlite
	Type string `json:"type" yaml:"type"`

	// Lease is how long a dequeued task may run before it is re-delivered
	Lease time.Duration `json:"lease" yaml:"lease"`

	// MaxAttempts bounds deliveries of one task before it is marked failed
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// ReindexConfig tunes the reindexer.
type ReindexConfig struct {
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// SecondPassSkew widens the second pass window to cover writer clock skew
	SecondPassSkew time.Duration `json:"second_pass_skew" yaml:"second_pass_skew"`
}

// MaintenanceConfig holds maintenance scheduler configuration.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CheckInterval is the interval between maintenance passes
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// ExpirationInterval is the interval between expired partition sweeps
	ExpirationInterval time.Duration `json:"expiration_interval" yaml:"expiration_interval"`

	// Workers is the number of concurrent reindex workers
	Workers int `json:"workers" yaml:"workers"`

	// LockTTL bounds how often the same reindex task can be enqueued
	LockTTL time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
}

// IndexConfig declares one logical index.
type IndexConfig struct {
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version" yaml:"version"`

	// Period is "", daily or monthly
	Period      string        `json:"period" yaml:"period"`
	DateLayout  string        `json:"date_layout" yaml:"date_layout"`
	MaxIndexAge time.Duration `json:"max_index_age" yaml:"max_index_age"`

	Tiers   []TierConfig   `json:"tiers" yaml:"tiers"`
	Types   []TypeConfig   `json:"types" yaml:"types"`
	Scripts []ScriptConfig `json:"scripts" yaml:"scripts"`
}

// TierConfig declares a tiered retention alias. MaxAge 0 means unbounded.
type TierConfig struct {
	Name   string        `json:"name" yaml:"name"`
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`
}

// TypeConfig declares a document type.
type TypeConfig struct {
	Name           string         `json:"name" yaml:"name"`
	Mapping        map[string]any `json:"mapping" yaml:"mapping"`
	TimestampField string         `json:"timestamp_field" yaml:"timestamp_field"`
	ParentType     string         `json:"parent_type" yaml:"parent_type"`
	ParentPath     string         `json:"parent_path" yaml:"parent_path"`
}

// ScriptConfig declares the migration script reaching Version.
type ScriptConfig struct {
	Version      int           `json:"version" yaml:"version"`
	DocumentType string        `json:"document_type" yaml:"document_type"`
	Steps        []script.Step `json:"steps" yaml:"steps"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/indexkeeper",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Store: StoreConfig{
			Type:            "sqlite",
			ScrollKeepAlive: 5 * time.Minute,
			Elasticsearch: ElasticsearchConfig{
				Addresses: []string{"http://localhost:9200"},
				Refresh:   "wait_for",
			},
		},
		Cache: CacheConfig{
			Type:   "object",
			Prefix: "indexkeeper:",
			Redis:  RedisConfig{Addr: "localhost:6379"},
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Lock: LockConfig{Type: "sqlite"},
		Queue: QueueConfig{
			Type:        "sqlite",
			Lease:       30 * time.Minute,
			MaxAttempts: 5,
		},
		Reindex: ReindexConfig{
			BatchSize:      500,
			SecondPassSkew: time.Second,
		},
		Maintenance: MaintenanceConfig{
			Enabled:            true,
			CheckInterval:      time.Minute,
			ExpirationInterval: time.Hour,
			Workers:            2,
			LockTTL:            5 * time.Minute,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/indexkeeper"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "store.db")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
}

// StatePath returns the path to the database holding locks and queued tasks.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Store.Type {
	case "sqlite":
	case "elasticsearch":
		if len(c.Store.Elasticsearch.Addresses) == 0 {
			return fmt.Errorf("store.elasticsearch.addresses is required when store type is elasticsearch")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be sqlite or elasticsearch)", c.Store.Type)
	}

	switch c.Cache.Type {
	case "memory", "redis", "object":
	default:
		return fmt.Errorf("invalid cache type: %s (must be memory, redis, or object)", c.Cache.Type)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	switch c.Lock.Type {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("invalid lock type: %s (must be memory, sqlite, or redis)", c.Lock.Type)
	}
	if (c.Cache.Type == "redis" || c.Lock.Type == "redis") && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required when redis is used")
	}

	switch c.Queue.Type {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("invalid queue type: %s (must be memory or sqlite)", c.Queue.Type)
	}
	// Reindex checkpoints live in the cache; a durable queue resumes tasks
	// after a restart and needs them to survive it too.
	if c.Queue.Type == "sqlite" && c.Cache.Type == "memory" {
		return fmt.Errorf("cache type memory cannot hold checkpoints for a durable queue (use object or redis, or queue type memory)")
	}

	if c.Reindex.BatchSize < 1 || c.Reindex.BatchSize > 10000 {
		return fmt.Errorf("reindex.batch_size must be between 1 and 10000, got %d", c.Reindex.BatchSize)
	}
	if c.Maintenance.Workers < 1 {
		return fmt.Errorf("maintenance.workers must be positive, got %d", c.Maintenance.Workers)
	}

	seen := make(map[string]bool)
	for i, ix := range c.Indices {
		if ix.Name == "" {
			return fmt.Errorf("indices[%d].name is required", i)
		}
		if seen[ix.Name] {
			return fmt.Errorf("index %q declared twice", ix.Name)
		}
		seen[ix.Name] = true
		switch ix.Period {
		case "", "daily", "monthly":
		default:
			return fmt.Errorf("index %q: invalid period %q (must be daily or monthly)", ix.Name, ix.Period)
		}
	}

	return nil
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

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the INDEXKEEPER_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("INDEXKEEPER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("INDEXKEEPER_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("INDEXKEEPER_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("INDEXKEEPER_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Store configuration
	if v := os.Getenv("INDEXKEEPER_STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("INDEXKEEPER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("INDEXKEEPER_ES_ADDRESSES"); v != "" {
		cfg.Store.Elasticsearch.Addresses = strings.Split(v, ",")
	}
	if v := os.Getenv("INDEXKEEPER_ES_USERNAME"); v != "" {
		cfg.Store.Elasticsearch.Username = v
	}
	if v := os.Getenv("INDEXKEEPER_ES_PASSWORD"); v != "" {
		cfg.Store.Elasticsearch.Password = v
	}

	// Cache configuration
	if v := os.Getenv("INDEXKEEPER_CACHE_TYPE"); v != "" {
		cfg.Cache.Type = v
	}
	if v := os.Getenv("INDEXKEEPER_REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := os.Getenv("INDEXKEEPER_REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}

	// Storage configuration
	if v := os.Getenv("INDEXKEEPER_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("INDEXKEEPER_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("INDEXKEEPER_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("INDEXKEEPER_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("INDEXKEEPER_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}

	if v := os.Getenv("INDEXKEEPER_LOCK_TYPE"); v != "" {
		cfg.Lock.Type = v
	}
	if v := os.Getenv("INDEXKEEPER_QUEUE_TYPE"); v != "" {
		cfg.Queue.Type = v
	}

	// Reindex and maintenance configuration
	if v := os.Getenv("INDEXKEEPER_REINDEX_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Reindex.BatchSize)
	}
	if v := os.Getenv("INDEXKEEPER_REINDEX_SECOND_PASS_SKEW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reindex.SecondPassSkew = d
		}
	}
	if v := os.Getenv("INDEXKEEPER_MAINTENANCE_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Maintenance.CheckInterval = d
		}
	}
	if v := os.Getenv("INDEXKEEPER_MAINTENANCE_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Maintenance.Workers)
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Store.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
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
