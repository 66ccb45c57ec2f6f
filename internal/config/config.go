// internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "RECOVERY"

type Config struct {
	Store struct {
		Root string `mapstructure:"root"`
	} `mapstructure:"store"`

	Concurrency struct {
		MaxPendingChanges  int           `mapstructure:"max_pending_changes"`
		ConflictTimeout    time.Duration `mapstructure:"conflict_timeout"`
		DefaultResolution  string        `mapstructure:"default_resolution"`
		LogConflicts       bool          `mapstructure:"log_conflicts"`
		MaxConflictHistory int           `mapstructure:"max_conflict_history"`
	} `mapstructure:"concurrency"`

	Restore struct {
		Atomic             bool   `mapstructure:"atomic"`
		VerifyDigest       bool   `mapstructure:"verify_digest"`
		VerifyBeforeRename bool   `mapstructure:"verify_before_rename"`
		BackupExisting     bool   `mapstructure:"backup_existing"`
		BackupDir          string `mapstructure:"backup_dir"`
		MaxRestoreSize     uint64 `mapstructure:"max_restore_size"`
		DryRun             bool   `mapstructure:"dry_run"`
	} `mapstructure:"restore"`

	Pack struct {
		MaxObjectsPerPack int    `mapstructure:"max_objects_per_pack"`
		MaxPackSize       uint64 `mapstructure:"max_pack_size"`
		EnableCompression bool   `mapstructure:"enable_compression"`
		CompressionLevel  int    `mapstructure:"compression_level"`
		Prefix            string `mapstructure:"prefix"`
		CacheSize         int    `mapstructure:"cache_size"`
	} `mapstructure:"pack"`

	GC struct {
		GracePeriod        time.Duration `mapstructure:"grace_period"`
		MaxObjectsPerCycle int           `mapstructure:"max_objects_per_cycle"`
		EnablePacking      bool          `mapstructure:"enable_packing"`
		PackThreshold      time.Duration `mapstructure:"pack_threshold"`
		DryRun             bool          `mapstructure:"dry_run"`
	} `mapstructure:"gc"`

	Metrics struct {
		Enabled   bool   `mapstructure:"enabled"`
		Namespace string `mapstructure:"namespace"`
	} `mapstructure:"metrics"`

	LogLevel string `mapstructure:"log_level"` // debug, info, warn, error
}

var defaults = map[string]any{
	"store.root": ".recovery",

	"concurrency.max_pending_changes":  1000,
	"concurrency.conflict_timeout":     5 * time.Minute,
	"concurrency.default_resolution":   "manual",
	"concurrency.log_conflicts":        true,
	"concurrency.max_conflict_history": 0,

	"restore.atomic":               true,
	"restore.verify_digest":        true,
	"restore.verify_before_rename": false,
	"restore.backup_existing":      true,
	"restore.backup_dir":           filepath.Join(".recovery", "backups"),
	"restore.max_restore_size":     uint64(1 << 30),
	"restore.dry_run":              false,

	"pack.max_objects_per_pack": 10000,
	"pack.max_pack_size":        uint64(1 << 30),
	"pack.enable_compression":   true,
	"pack.compression_level":    2,
	"pack.prefix":               "pack-",
	"pack.cache_size":           64,

	"gc.grace_period":          24 * time.Hour,
	"gc.max_objects_per_cycle": 10000,
	"gc.enable_packing":        true,
	"gc.pack_threshold":        24 * time.Hour,
	"gc.dry_run":               false,

	"metrics.enabled":   false,
	"metrics.namespace": "recovery",

	"log_level": "info",
}

// New returns a viper instance with defaults and RECOVERY_* env binding.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := From(New())
	if err != nil {
		// defaults always decode
		panic(err)
	}
	return cfg
}

// Load reads path (json, yaml or toml) on top of the defaults. An empty path
// loads defaults plus environment only.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return From(v)
}

// From decodes and validates the configuration held by v.
func From(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Store.Root == "" {
		return fmt.Errorf("store.root is required")
	}
	if c.Concurrency.MaxPendingChanges <= 0 {
		return fmt.Errorf("concurrency.max_pending_changes must be positive")
	}
	if c.Pack.MaxObjectsPerPack <= 0 {
		return fmt.Errorf("pack.max_objects_per_pack must be positive")
	}
	if c.Pack.CompressionLevel < 1 || c.Pack.CompressionLevel > 4 {
		return fmt.Errorf("pack.compression_level must be between 1 and 4")
	}
	return nil
}
