package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("DUKAFITI_CONFIG", "")
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestDefaultsMatchSyncContract(t *testing.T) {
	t.Setenv("DUKAFITI_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Cache.UserTTL.Std() != 24*time.Hour || cfg.Cache.PublicTTL.Std() != 48*time.Hour {
		t.Fatalf("unexpected cache ttls %s/%s", cfg.Cache.UserTTL.Std(), cfg.Cache.PublicTTL.Std())
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.Throttle.Std() != 2*time.Second || cfg.Sync.Debounce.Std() != time.Second {
		t.Fatalf("unexpected throttle/debounce %s/%s", cfg.Sync.Throttle.Std(), cfg.Sync.Debounce.Std())
	}
}

func TestYAMLThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dukafiti.yaml")
	yamlDoc := []byte(`
port: "9000"
user_id: shop-7
storage: memory
sync:
  throttle: 5s
  max_attempts: 5
cache:
  user_ttl: 12h
`)
	if err := os.WriteFile(path, yamlDoc, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DUKAFITI_CONFIG", path)
	t.Setenv("PORT", "9100")
	t.Setenv("DUKAFITI_SYNC_THROTTLE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != "9100" {
		t.Fatalf("expected env to win for port, got %s", cfg.Port)
	}
	if cfg.UserID != "shop-7" || cfg.Storage != StorageMemory {
		t.Fatalf("expected yaml values, got user=%s storage=%s", cfg.UserID, cfg.Storage)
	}
	if cfg.Sync.Throttle.Std() != 5*time.Second || cfg.Sync.MaxAttempts != 5 {
		t.Fatalf("expected yaml sync values, got %s/%d", cfg.Sync.Throttle.Std(), cfg.Sync.MaxAttempts)
	}
	if cfg.Cache.UserTTL.Std() != 12*time.Hour || cfg.Cache.PublicTTL.Std() != 48*time.Hour {
		t.Fatalf("expected partial yaml override, got %s/%s", cfg.Cache.UserTTL.Std(), cfg.Cache.PublicTTL.Std())
	}
}

func TestMissingConfigFileIsNotAnError(t *testing.T) {
	t.Setenv("DUKAFITI_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err != nil {
		t.Fatalf("expected defaults for missing file, got %v", err)
	}
}

func TestInvalidDriversAreRejected(t *testing.T) {
	t.Setenv("DUKAFITI_CONFIG", "")
	t.Setenv("DUKAFITI_STORAGE", "etcd")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown storage driver to fail")
	}

	t.Setenv("DUKAFITI_STORAGE", "redis")
	t.Setenv("REDIS_ADDR", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected redis storage without address to fail")
	}
}

func TestBadDurationInYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  throttle: soon\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DUKAFITI_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}
}
