package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_DIR", t.TempDir())
	cfg, err := Load("development")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Battle.GracePeriod.D() != 10*time.Second || cfg.Matchmaking.RequestTTL.D() != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg.Battle)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadExpandsEnvAndDurations(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_DIR", dir)
	t.Setenv("TEST_JWT_SECRET", "s3cret")
	body := `{
	  "jwt": {"secret": "${TEST_JWT_SECRET}"},
	  "battle": {"gracePeriod": "15s", "matchmakingTimeout": 45},
	  "matchmaking": {"maxBand": 250}
	}`
	if err := os.WriteFile(filepath.Join(dir, "config.staging.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("staging")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JWT.Secret != "s3cret" {
		t.Fatalf("secret = %q", cfg.JWT.Secret)
	}
	if cfg.Battle.GracePeriod.D() != 15*time.Second || cfg.Battle.MatchmakingTimeout.D() != 45*time.Second {
		t.Fatalf("durations = %v %v", cfg.Battle.GracePeriod.D(), cfg.Battle.MatchmakingTimeout.D())
	}
	mm := cfg.MatchmakingConfig()
	if mm.MaxBand != 250 || mm.InitialBand != 100 {
		t.Fatalf("matchmaking = %+v", mm)
	}
	if cfg.Environment != "staging" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Environment = "production"
	cfg.Battle.GracePeriod = 0
	cfg.Storage.Driver = "cassandra"
	cfg.Lock.Driver = "mongo"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"jwt.secret", "battle.gracePeriod", "storage.driver", "lock.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}
