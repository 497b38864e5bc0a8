package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "showsync.yaml", `
tenant_id: show-1
cache_path: /tmp/showsync/cache.db
remote_url: https://backend.example.com/api
feed_url: wss://backend.example.com/feed
quota_mb: 50
auto_sync_interval: 45s
sync_on_start: false
tables:
  - name: scores
    tenant_column: show_id
  - name: divisions
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.TenantID != "show-1" {
		t.Errorf("TenantID = %s", cfg.TenantID)
	}
	if cfg.QuotaMB != 50 || cfg.QuotaBytes() != 50*1024*1024 {
		t.Errorf("Quota = %d MB / %d bytes", cfg.QuotaMB, cfg.QuotaBytes())
	}
	if cfg.AutoSyncInterval != 45*time.Second {
		t.Errorf("AutoSyncInterval = %v", cfg.AutoSyncInterval)
	}
	if cfg.SyncOnStart {
		t.Error("SyncOnStart should be overridden to false")
	}
	// Defaults survive for keys the file omits.
	if cfg.FullSyncInterval != 24*time.Hour {
		t.Errorf("FullSyncInterval = %v", cfg.FullSyncInterval)
	}

	if len(cfg.Tables) != 2 {
		t.Fatalf("Expected 2 tables, got %d", len(cfg.Tables))
	}
	if !cfg.Tables[0].TenantFiltered() {
		t.Error("scores should be tenant filtered")
	}
	if cfg.Tables[1].TenantFiltered() {
		t.Error("divisions has no tenant column")
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeFile(t, "showsync.yaml", `
cache_path: /tmp/cache.db
remote_url: https://backend.example.com/api
`)

	if _, err := Load(path); err == nil {
		t.Error("Expected validation error for missing tenant_id")
	}
}

func TestLoadTables(t *testing.T) {
	path := writeFile(t, "tables.yaml", `
tables:
  - name: scores
    tenant_column: show_id
  - name: entries
    tenant_column: show_id
  - name: divisions
`)

	tables, err := LoadTables(path)
	if err != nil {
		t.Fatalf("LoadTables failed: %v", err)
	}
	if len(tables) != 3 {
		t.Fatalf("Expected 3 tables, got %d", len(tables))
	}
	if tables[0].Name != "scores" || tables[0].TenantColumn != "show_id" {
		t.Errorf("Unexpected first table: %+v", tables[0])
	}
}

func TestLoadTablesRejectsDuplicates(t *testing.T) {
	path := writeFile(t, "tables.yaml", `
tables:
  - name: scores
  - name: scores
`)

	if _, err := LoadTables(path); err == nil {
		t.Error("Expected duplicate-table error")
	}
}

func TestLoadTablesRejectsEmptyName(t *testing.T) {
	path := writeFile(t, "tables.yaml", `
tables:
  - tenant_column: show_id
`)

	if _, err := LoadTables(path); err == nil {
		t.Error("Expected empty-name error")
	}
}
