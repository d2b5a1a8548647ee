package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigReadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`server:
  address: ":4001"
database:
  driver: pgx
  url: postgres://resq@localhost/resq
redis:
  addr: localhost:6379
  db: 2
firebase:
  project_id: resq-dev
  credentials_file: /etc/resq/firebase.json
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":4001" || cfg.Database.Driver != "pgx" {
		t.Fatalf("unexpected server/database section: %+v", cfg)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("unexpected redis section: %+v", cfg.Redis)
	}
	if cfg.Firebase.ProjectID != "resq-dev" || cfg.Firebase.CredentialsFile != "/etc/resq/firebase.json" {
		t.Fatalf("unexpected firebase section: %+v", cfg.Firebase)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Database.Driver != "mysql" {
		t.Fatalf("expected mysql default driver, got %q", cfg.Database.Driver)
	}
	if cfg.Database.URL != "" || cfg.Redis.Addr != "" {
		t.Fatalf("expected empty optional sections, got %+v", cfg)
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected unmarshal error")
	}
}
