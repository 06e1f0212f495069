// Package config loads the options table the replica core consumes,
// following the same YAML-file convention as the rest of the stack.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every option spec.md §6 names. Zero values are safe
// defaults except where noted.
type Config struct {
	// Huge-page slab allocator.
	MemcacheCount int `yaml:"memcache_count"`
	MemcacheSeg   int `yaml:"memcache_seg"`

	// Scheduler.
	MaxCore        int           `yaml:"max_core"`
	PollingCore    int           `yaml:"polling_core"`
	PollingTimeout time.Duration `yaml:"polling_timeout"`
	ReplicaCore    int           `yaml:"replica_core"`

	// Async disk gateway.
	AioCore    int `yaml:"aio_core"`
	QueueDepth int `yaml:"queue_depth"`

	// Replica I/O engine.
	IOSync      bool `yaml:"io_sync"`
	PreallocMax int  `yaml:"prealloc_max"`

	// Volume placement.
	RedisSharding int           `yaml:"redis_sharding"`
	RedisReplica  int           `yaml:"redis_replica"`
	RPCTimeout    time.Duration `yaml:"rpc_timeout"`
	SoloMode      bool          `yaml:"solomode"`

	// Backing-file root.
	WorkDir string `yaml:"workdir"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		MemcacheCount:  1024,
		MemcacheSeg:    256 * 1024,
		MaxCore:        4,
		PollingCore:    1,
		PollingTimeout: 10 * time.Millisecond,
		ReplicaCore:    32,
		AioCore:        4,
		QueueDepth:     128,
		IOSync:         false,
		PreallocMax:    4096,
		RedisSharding:  1,
		RedisReplica:   1,
		RPCTimeout:     5 * time.Second,
		SoloMode:       false,
		WorkDir:        "/var/lib/sdfs",
	}
}

// Load reads a YAML configuration file, applying it on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.MaxCore <= 0 {
		return nil, fmt.Errorf("max_core must be positive, got %d", cfg.MaxCore)
	}
	if cfg.RedisSharding <= 0 || cfg.RedisReplica <= 0 {
		return nil, fmt.Errorf("redis_sharding and redis_replica must be positive")
	}

	return cfg, nil
}
