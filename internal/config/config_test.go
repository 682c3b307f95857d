package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
data_dir: /var/lib/indexkeeper
store:
  type: elasticsearch
  elasticsearch:
    addresses: ["http://es-1:9200", "http://es-2:9200"]
cache:
  type: redis
  redis:
    addr: redis:6379
reindex:
  batch_size: 250
  second_pass_skew: 2s
indices:
  - name: employees
    version: 3
    period: daily
    max_index_age: 2160h
    tiers:
      - name: last7days
        max_age: 168h
      - name: all
    types:
      - name: employee
        timestamp_field: updated
        mapping:
          properties:
            name: {type: keyword}
    scripts:
      - version: 2
        steps:
          - {op: rename, field: fullname, to: name}
      - version: 3
        document_type: employee
        steps:
          - {op: default, field: active, value: true}
`

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexkeeper.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Store.Type != "elasticsearch" || len(cfg.Store.Elasticsearch.Addresses) != 2 {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Reindex.BatchSize != 250 || cfg.Reindex.SecondPassSkew != 2*time.Second {
		t.Errorf("unexpected reindex config: %+v", cfg.Reindex)
	}
	// Untouched sections keep their defaults.
	if cfg.Maintenance.Workers != 2 || cfg.HTTP.Addr != ":8080" {
		t.Errorf("defaults lost: %+v %+v", cfg.Maintenance, cfg.HTTP)
	}

	if len(cfg.Indices) != 1 {
		t.Fatalf("expected 1 index, got %d", len(cfg.Indices))
	}
	ix := cfg.Indices[0]
	if ix.MaxIndexAge != 90*24*time.Hour {
		t.Errorf("max_index_age = %v", ix.MaxIndexAge)
	}
	if len(ix.Tiers) != 2 || ix.Tiers[0].MaxAge != 7*24*time.Hour || ix.Tiers[1].MaxAge != 0 {
		t.Errorf("unexpected tiers: %+v", ix.Tiers)
	}
	if len(ix.Scripts) != 2 || ix.Scripts[0].Steps[0].To != "name" || ix.Scripts[1].Steps[0].Value != true {
		t.Errorf("unexpected scripts: %+v", ix.Scripts)
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadFromFile_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexkeeper.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("INDEXKEEPER_STORE_TYPE", "elasticsearch")
	t.Setenv("INDEXKEEPER_ES_ADDRESSES", "http://a:9200,http://b:9200")
	t.Setenv("INDEXKEEPER_REINDEX_BATCH_SIZE", "42")
	t.Setenv("INDEXKEEPER_MAINTENANCE_CHECK_INTERVAL", "30s")
	t.Setenv("INDEXKEEPER_GRPC_ENABLED", "false")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Store.Type != "elasticsearch" {
		t.Errorf("store type = %s", cfg.Store.Type)
	}
	if len(cfg.Store.Elasticsearch.Addresses) != 2 || cfg.Store.Elasticsearch.Addresses[1] != "http://b:9200" {
		t.Errorf("addresses = %v", cfg.Store.Elasticsearch.Addresses)
	}
	if cfg.Reindex.BatchSize != 42 {
		t.Errorf("batch size = %d", cfg.Reindex.BatchSize)
	}
	if cfg.Maintenance.CheckInterval != 30*time.Second {
		t.Errorf("check interval = %v", cfg.Maintenance.CheckInterval)
	}
	if cfg.GRPC.Enabled {
		t.Error("grpc should be disabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"bad store", func(c *Config) { c.Store.Type = "mongo" }},
		{"bad cache", func(c *Config) { c.Cache.Type = "memcached" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }},
		{"bad lock", func(c *Config) { c.Lock.Type = "zookeeper" }},
		{"bad queue", func(c *Config) { c.Queue.Type = "kafka" }},
		{"memory checkpoints with durable queue", func(c *Config) { c.Cache.Type = "memory" }},
		{"zero batch", func(c *Config) { c.Reindex.BatchSize = 0 }},
		{"no workers", func(c *Config) { c.Maintenance.Workers = 0 }},
		{"unnamed index", func(c *Config) { c.Indices = []IndexConfig{{Version: 1}} }},
		{"duplicate index", func(c *Config) { c.Indices = []IndexConfig{{Name: "a"}, {Name: "a"}} }},
		{"bad period", func(c *Config) { c.Indices = []IndexConfig{{Name: "a", Period: "weekly"}} }},
	}

	base := DefaultConfig()
	base.Resolve()
	if err := base.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestResolveAndEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Resolve()

	if cfg.Store.Path != filepath.Join(cfg.DataDir, "store.db") {
		t.Errorf("store path = %s", cfg.Store.Path)
	}
	if cfg.StatePath() != filepath.Join(cfg.DataDir, "state.db") {
		t.Errorf("state path = %s", cfg.StatePath())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	if _, err := os.Stat(cfg.Storage.Path); err != nil {
		t.Errorf("storage dir missing: %v", err)
	}
}

func TestDefaultCheckpointsSurviveRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Resolve()
	if cfg.Cache.Type != "object" || cfg.Storage.Type != "local" {
		t.Fatalf("default cache = %s on %s storage", cfg.Cache.Type, cfg.Storage.Type)
	}
	if cfg.Storage.Path != filepath.Join(cfg.DataDir, "storage") {
		t.Errorf("storage path = %s", cfg.Storage.Path)
	}

	cfg.Cache.Type = "memory"
	cfg.Queue.Type = "memory"
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory cache with memory queue should validate: %v", err)
	}
}
