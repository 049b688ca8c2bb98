package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Load builds the configuration from environ, a list of KEY=VALUE pairs as
// returned by os.Environ.
func Load(environ []string) (*Config, error) {
	vars := env.ToMap(environ)

	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      Prefix,
		Environment: vars,
	})
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	cfg.SetDefaults(vars["TMPDIR"])

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWithDotenv is Load with the variables of a .env file underneath
// environ. Variables already present in environ win.
func LoadWithDotenv(path string, environ []string) (*Config, error) {
	file, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	merged := make([]string, 0, len(file)+len(environ))
	for k, v := range file {
		merged = append(merged, k+"="+v)
	}
	merged = append(merged, environ...)
	return Load(merged)
}
