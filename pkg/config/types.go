package config

import (
	"os"
	"path/filepath"
	"time"
)

// Prefix is prepended to every environment variable name.
const Prefix = "FLEETBUILD_"

// Config is the process configuration. It is loaded once at startup and not
// modified afterwards.
type Config struct {
	// Platform hosts
	BaseDomain   string `env:"BASE_DOMAIN"`
	APIHost      string `env:"API_HOST"`
	RegistryHost string `env:"REGISTRY_HOST"`
	DeltaHost    string `env:"DELTA_HOST"`

	// Docker hosts of the native builders
	Amd64Builder string `env:"AMD64_BUILDER"`
	Arm64Builder string `env:"ARM64_BUILDER"`

	// Credential for the registry and the delta service
	ServiceToken string `env:"SERVICE_TOKEN"`

	ListenAddr  string        `env:"LISTEN_ADDR" envDefault:":8080"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"0s"`

	WorkdirRoot      string        `env:"WORKDIR_ROOT"`
	LockDir          string        `env:"LOCK_DIR"`
	LockCeiling      time.Duration `env:"LOCK_CEILING" envDefault:"20m"`
	LockPollInterval time.Duration `env:"LOCK_POLL_INTERVAL" envDefault:"1s"`

	ToolchainBinary string `env:"TOOLCHAIN_BINARY" envDefault:"balena"`
	DockerBinary    string `env:"DOCKER_BINARY" envDefault:"docker"`
	DiffBinary      string `env:"DIFF_BINARY" envDefault:"docker-delta"`

	WorkdirMaxAge   time.Duration `env:"WORKDIR_MAX_AGE" envDefault:"24h"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"15m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"LOG_FILE"`

	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
}

// SetDefaults fills the values derived from the base domain and the
// temporary directory.
func (c *Config) SetDefaults(tmpDir string) {
	if c.BaseDomain != "" {
		if c.APIHost == "" {
			c.APIHost = "api." + c.BaseDomain
		}
		if c.RegistryHost == "" {
			c.RegistryHost = "registry2." + c.BaseDomain
		}
		if c.DeltaHost == "" {
			c.DeltaHost = "delta." + c.BaseDomain
		}
	}

	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	if c.WorkdirRoot == "" {
		c.WorkdirRoot = filepath.Join(tmpDir, "fleetbuild", "work")
	}
	if c.LockDir == "" {
		c.LockDir = filepath.Join(tmpDir, "fleetbuild", "locks")
	}
}

// Secrets returns the configured credentials, for log redaction.
func (c *Config) Secrets() []string {
	if c.ServiceToken == "" {
		return nil
	}
	return []string{c.ServiceToken}
}

// Field is one configuration entry as shown to an operator.
type Field struct {
	Name  string
	Value string
}

// Fields lists the configuration with credentials masked.
func (c *Config) Fields() []Field {
	masked := ""
	if c.ServiceToken != "" {
		masked = "********"
	}
	return []Field{
		{Prefix + "BASE_DOMAIN", c.BaseDomain},
		{Prefix + "API_HOST", c.APIHost},
		{Prefix + "REGISTRY_HOST", c.RegistryHost},
		{Prefix + "DELTA_HOST", c.DeltaHost},
		{Prefix + "AMD64_BUILDER", c.Amd64Builder},
		{Prefix + "ARM64_BUILDER", c.Arm64Builder},
		{Prefix + "SERVICE_TOKEN", masked},
		{Prefix + "LISTEN_ADDR", c.ListenAddr},
		{Prefix + "HTTP_TIMEOUT", c.HTTPTimeout.String()},
		{Prefix + "WORKDIR_ROOT", c.WorkdirRoot},
		{Prefix + "LOCK_DIR", c.LockDir},
		{Prefix + "LOCK_CEILING", c.LockCeiling.String()},
		{Prefix + "LOCK_POLL_INTERVAL", c.LockPollInterval.String()},
		{Prefix + "TOOLCHAIN_BINARY", c.ToolchainBinary},
		{Prefix + "DOCKER_BINARY", c.DockerBinary},
		{Prefix + "DIFF_BINARY", c.DiffBinary},
		{Prefix + "WORKDIR_MAX_AGE", c.WorkdirMaxAge.String()},
		{Prefix + "JANITOR_INTERVAL", c.JanitorInterval.String()},
		{Prefix + "LOG_LEVEL", c.LogLevel},
		{Prefix + "LOG_FORMAT", c.LogFormat},
		{Prefix + "LOG_FILE", c.LogFile},
		{Prefix + "OTLP_ENDPOINT", c.OTLPEndpoint},
	}
}
