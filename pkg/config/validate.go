package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors:\n  - " + strings.Join(msgs, "\n  - ")
}

// Validate checks the configuration and reports every problem at once.
func Validate(c *Config) error {
	var errs ValidationErrors

	required := []struct {
		name  string
		value string
	}{
		{"BASE_DOMAIN", c.BaseDomain},
		{"SERVICE_TOKEN", c.ServiceToken},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, ValidationError{Prefix + r.name, "is required"})
		}
	}

	if c.ListenAddr == "" {
		errs = append(errs, ValidationError{Prefix + "LISTEN_ADDR", "must not be empty"})
	}
	if c.HTTPTimeout < 0 {
		errs = append(errs, ValidationError{Prefix + "HTTP_TIMEOUT", "must not be negative"})
	}
	if c.LockCeiling <= 0 {
		errs = append(errs, ValidationError{Prefix + "LOCK_CEILING", "must be positive"})
	}
	if c.LockPollInterval <= 0 {
		errs = append(errs, ValidationError{Prefix + "LOCK_POLL_INTERVAL", "must be positive"})
	} else if c.LockCeiling > 0 && c.LockPollInterval > c.LockCeiling {
		errs = append(errs, ValidationError{Prefix + "LOCK_POLL_INTERVAL", "must not exceed LOCK_CEILING"})
	}
	if c.WorkdirMaxAge <= 0 {
		errs = append(errs, ValidationError{Prefix + "WORKDIR_MAX_AGE", "must be positive"})
	}
	if c.JanitorInterval <= 0 {
		errs = append(errs, ValidationError{Prefix + "JANITOR_INTERVAL", "must be positive"})
	}

	for _, bin := range []struct{ name, value string }{
		{"TOOLCHAIN_BINARY", c.ToolchainBinary},
		{"DOCKER_BINARY", c.DockerBinary},
		{"DIFF_BINARY", c.DiffBinary},
	} {
		if bin.value == "" {
			errs = append(errs, ValidationError{Prefix + bin.name, "must not be empty"})
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{Prefix + "LOG_LEVEL", fmt.Sprintf("unknown level %q", c.LogLevel)})
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text", "pretty", "logfmt":
	default:
		errs = append(errs, ValidationError{Prefix + "LOG_FORMAT", fmt.Sprintf("unknown format %q", c.LogFormat)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
