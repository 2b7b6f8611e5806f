package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/octoreflex/moon-watchd/internal/config"
)

func TestDefaults_Validates(t *testing.T) {
	cfg := config.Defaults()
	cfg.Operator.SocketPath = "/tmp/operator.sock"
	if err := config.Validate(&cfg); err != nil {
		t.Fatalf("Validate(Defaults()) error = %v", err)
	}
}

func TestValidate_RejectsBadSchemaVersion(t *testing.T) {
	cfg := config.Defaults()
	cfg.SchemaVersion = "2"
	if err := config.Validate(&cfg); err == nil {
		t.Error("Validate() accepted schema_version=2, want error")
	}
}

func TestValidate_AccumulatesMultipleErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.SchemaVersion = "2"
	cfg.Daemon.MaxConsecutivePanics = 0
	cfg.Compaction.Authority = "nonsense"
	err := config.Validate(&cfg)
	if err == nil {
		t.Fatal("Validate() error = nil, want accumulated errors")
	}
	msg := err.Error()
	for _, want := range []string{"schema_version", "max_consecutive_panics", "compaction_authority"} {
		if !contains(msg, want) {
			t.Errorf("Validate() error missing %q: %s", want, msg)
		}
	}
}

func TestValidate_RetentionOrdering(t *testing.T) {
	cfg := config.Defaults()
	cfg.Retention.ActiveDays = 30
	cfg.Retention.WarmDays = 7
	if err := config.Validate(&cfg); err == nil {
		t.Error("Validate() accepted warm_days < active_days, want error")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moon.config.yaml")
	content := "schema_version: \"1\"\nmoon_home: " + dir + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MoonHome != dir {
		t.Errorf("MoonHome = %q, want %q", cfg.MoonHome, dir)
	}
	if cfg.Compaction.Authority != "moon" {
		t.Errorf("Compaction.Authority = %q, want default %q", cfg.Compaction.Authority, "moon")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/does/not/exist.yaml")
	if err == nil {
		t.Error("Load() error = nil for missing file, want error")
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
