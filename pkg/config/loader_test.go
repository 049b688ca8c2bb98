package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func minimalEnv() []string {
	return []string{
		"FLEETBUILD_BASE_DOMAIN=example.io",
		"FLEETBUILD_SERVICE_TOKEN=svc-secret",
		"TMPDIR=/scratch",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(minimalEnv())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"APIHost", cfg.APIHost, "api.example.io"},
		{"RegistryHost", cfg.RegistryHost, "registry2.example.io"},
		{"DeltaHost", cfg.DeltaHost, "delta.example.io"},
		{"ListenAddr", cfg.ListenAddr, ":8080"},
		{"WorkdirRoot", cfg.WorkdirRoot, filepath.Join("/scratch", "fleetbuild", "work")},
		{"LockDir", cfg.LockDir, filepath.Join("/scratch", "fleetbuild", "locks")},
		{"LockCeiling", cfg.LockCeiling, 20 * time.Minute},
		{"LockPollInterval", cfg.LockPollInterval, time.Second},
		{"ToolchainBinary", cfg.ToolchainBinary, "balena"},
		{"DockerBinary", cfg.DockerBinary, "docker"},
		{"DiffBinary", cfg.DiffBinary, "docker-delta"},
		{"WorkdirMaxAge", cfg.WorkdirMaxAge, 24 * time.Hour},
		{"JanitorInterval", cfg.JanitorInterval, 15 * time.Minute},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "json"},
		{"HTTPTimeout", cfg.HTTPTimeout, time.Duration(0)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_Overrides(t *testing.T) {
	environ := append(minimalEnv(),
		"FLEETBUILD_API_HOST=api.internal",
		"FLEETBUILD_ARM64_BUILDER=tcp://arm:2376",
		"FLEETBUILD_LOCK_CEILING=5m",
		"FLEETBUILD_LOG_FORMAT=text",
	)
	cfg, err := Load(environ)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIHost != "api.internal" {
		t.Errorf("APIHost = %q", cfg.APIHost)
	}
	if cfg.RegistryHost != "registry2.example.io" {
		t.Errorf("RegistryHost = %q, derived default should still apply", cfg.RegistryHost)
	}
	if cfg.Arm64Builder != "tcp://arm:2376" {
		t.Errorf("Arm64Builder = %q", cfg.Arm64Builder)
	}
	if cfg.LockCeiling != 5*time.Minute {
		t.Errorf("LockCeiling = %v", cfg.LockCeiling)
	}
}

func TestLoad_MissingRequiredListsEveryName(t *testing.T) {
	_, err := Load([]string{"FLEETBUILD_LOG_LEVEL=verbose"})
	if err == nil {
		t.Fatal("expected error")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	for _, name := range []string{"FLEETBUILD_BASE_DOMAIN", "FLEETBUILD_SERVICE_TOKEN", "FLEETBUILD_LOG_LEVEL"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error should mention %s: %v", name, err)
		}
	}
	if len(verrs) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(verrs), err)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	_, err := Load(append(minimalEnv(), "FLEETBUILD_LOCK_CEILING=soon"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero ceiling", func(c *Config) { c.LockCeiling = 0 }, "FLEETBUILD_LOCK_CEILING"},
		{"poll beyond ceiling", func(c *Config) { c.LockPollInterval = time.Hour }, "FLEETBUILD_LOCK_POLL_INTERVAL"},
		{"negative timeout", func(c *Config) { c.HTTPTimeout = -time.Second }, "FLEETBUILD_HTTP_TIMEOUT"},
		{"empty toolchain", func(c *Config) { c.ToolchainBinary = "" }, "FLEETBUILD_TOOLCHAIN_BINARY"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "FLEETBUILD_LOG_FORMAT"},
		{"zero janitor interval", func(c *Config) { c.JanitorInterval = 0 }, "FLEETBUILD_JANITOR_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(minimalEnv())
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)

			err = Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q should mention %s", err, tt.field)
			}
		})
	}
}

func TestLoadWithDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "FLEETBUILD_BASE_DOMAIN=dotenv.io\nFLEETBUILD_SERVICE_TOKEN=from-file\nFLEETBUILD_LISTEN_ADDR=:9000\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithDotenv(path, []string{"FLEETBUILD_LISTEN_ADDR=:7000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BaseDomain != "dotenv.io" {
		t.Errorf("BaseDomain = %q", cfg.BaseDomain)
	}
	if cfg.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, process environment should win", cfg.ListenAddr)
	}

	if _, err := LoadWithDotenv(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFields_MasksSecrets(t *testing.T) {
	cfg, err := Load(minimalEnv())
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range cfg.Fields() {
		if strings.Contains(f.Value, "svc-secret") {
			t.Errorf("%s leaks the service token", f.Name)
		}
	}
	if got := cfg.Secrets(); len(got) != 1 || got[0] != "svc-secret" {
		t.Errorf("Secrets() = %v", got)
	}
}
