// Package config loads replication settings and the table-descriptor
// registry consumed by the facade.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// TableSpec describes one replicated table. Tables with a TenantColumn
// subscribe to a tenant-filtered change feed; tables without one subscribe
// unfiltered and tolerate cross-tenant noise.
type TableSpec struct {
	Name         string `yaml:"name" mapstructure:"name"`
	TenantColumn string `yaml:"tenant_column" mapstructure:"tenant_column"`
}

// TenantFiltered reports whether the table carries a tenant column.
func (t TableSpec) TenantFiltered() bool {
	return t.TenantColumn != ""
}

// Config is the top-level replication configuration.
type Config struct {
	// TenantID scopes everything: cached rows, remote queries, feeds,
	// and broadcasts.
	TenantID string `mapstructure:"tenant_id"`

	// CachePath is the local SQLite cache file.
	CachePath string `mapstructure:"cache_path"`
	// BackupPath is the side-channel pending-mutation backup file.
	BackupPath string `mapstructure:"backup_path"`

	// RemoteURL and RemoteToken configure the backend HTTP client.
	RemoteURL   string `mapstructure:"remote_url"`
	RemoteToken string `mapstructure:"remote_token"`
	// FeedURL is the websocket change-feed endpoint.
	FeedURL string `mapstructure:"feed_url"`
	// RelayURL is the cross-session broadcast relay; empty disables
	// cross-session propagation.
	RelayURL string `mapstructure:"relay_url"`

	// QuotaMB is the local storage budget in megabytes; 0 disables
	// quota management.
	QuotaMB int `mapstructure:"quota_mb"`

	AutoSyncInterval time.Duration `mapstructure:"auto_sync_interval"`
	FullSyncInterval time.Duration `mapstructure:"full_sync_interval"`
	SyncOnStart      bool          `mapstructure:"sync_on_start"`
	SyncOnReconnect  bool          `mapstructure:"sync_on_reconnect"`

	// Tables is the replicated-table registry, usually loaded from a
	// separate tables.yaml.
	Tables []TableSpec `mapstructure:"tables"`
}

// Default returns a config with the standard intervals filled in.
func Default() *Config {
	return &Config{
		CachePath:        ".showsync/cache.db",
		BackupPath:       ".showsync/pending-backup.json",
		AutoSyncInterval: 30 * time.Second,
		FullSyncInterval: 24 * time.Hour,
		SyncOnStart:      true,
		SyncOnReconnect:  true,
	}
}

// Load reads configuration from the given file via viper, layered over
// Default. Environment variables prefixed with SHOWSYNC_ override file
// values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SHOWSYNC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTables reads the table-descriptor registry from a YAML file of the
// form:
//
//	tables:
//	  - name: scores
//	    tenant_column: show_id
//	  - name: divisions
func LoadTables(path string) ([]TableSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tables file %s: %w", path, err)
	}

	var doc struct {
		Tables []TableSpec `yaml:"tables"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse tables file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(doc.Tables))
	for _, t := range doc.Tables {
		if t.Name == "" {
			return nil, fmt.Errorf("tables file %s: table with empty name", path)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("tables file %s: duplicate table %q", path, t.Name)
		}
		seen[t.Name] = true
	}
	return doc.Tables, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if c.CachePath == "" {
		return fmt.Errorf("cache_path is required")
	}
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	return nil
}

// QuotaBytes converts the configured megabyte budget to bytes.
func (c *Config) QuotaBytes() int64 {
	return int64(c.QuotaMB) * 1024 * 1024
}
