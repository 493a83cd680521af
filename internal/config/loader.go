package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSettingsFile is looked up in the working directory when no path is given.
const DefaultSettingsFile = "isca.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadSettings reads settings from path. An empty path falls back to
// ./isca.yaml, and to pure defaults when that file does not exist either.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		if _, err := os.Stat(DefaultSettingsFile); err != nil {
			cfg := Defaults()
			return cfg, validate(cfg)
		}
		path = DefaultSettingsFile
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve settings path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("settings file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	// Unmarshal over defaults so omitted fields keep their default value.
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", absPath, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Settings) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be one of: json, text (got %q)", cfg.Service.LogFormat)
	}

	if envVarPattern.MatchString(cfg.GitHub.APIURL) {
		return fmt.Errorf("github.api_url: environment variable ${%s} is not set",
			envVarPattern.FindStringSubmatch(cfg.GitHub.APIURL)[1])
	}
	if !strings.HasPrefix(cfg.GitHub.APIURL, "http://") && !strings.HasPrefix(cfg.GitHub.APIURL, "https://") {
		return fmt.Errorf("github.api_url must be an http(s) URL (got %q)", cfg.GitHub.APIURL)
	}
	if cfg.GitHub.Timeout <= 0 {
		return fmt.Errorf("github.timeout must be positive")
	}
	if cfg.GitHub.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("github.retry.max_attempts must be positive")
	}
	if cfg.GitHub.Retry.BackoffBase <= 0 {
		return fmt.Errorf("github.retry.backoff_base must be positive")
	}

	for name, d := range map[string]int64{
		"receiver.read_timeout":  int64(cfg.Receiver.ReadTimeout),
		"receiver.write_timeout": int64(cfg.Receiver.WriteTimeout),
		"receiver.idle_timeout":  int64(cfg.Receiver.IdleTimeout),
		"actions.timeout":        int64(cfg.Actions.Timeout),
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if _, err := ParseSize(cfg.Receiver.MaxBodySize); err != nil {
		return fmt.Errorf("receiver.max_body_size %q: %w", cfg.Receiver.MaxBodySize, err)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	return nil
}

// DefaultMaxBodySize is used when no size is configured.
const DefaultMaxBodySize = 1 << 20

// ParseSize parses size strings like "1MB", "512KB", "1048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func ParseSize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
