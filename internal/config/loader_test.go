package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSettings(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Settings)
	}{
		{
			name: "partial file keeps defaults",
			yaml: `
service:
  log_level: debug
github:
  timeout: 5s
`,
			checkFn: func(t *testing.T, cfg *Settings) {
				if cfg.Service.LogLevel != "debug" {
					t.Errorf("log_level = %q, want debug", cfg.Service.LogLevel)
				}
				if cfg.Service.LogFormat != "json" {
					t.Errorf("log_format default not kept: %q", cfg.Service.LogFormat)
				}
				if cfg.GitHub.Timeout != 5*time.Second {
					t.Errorf("timeout = %v, want 5s", cfg.GitHub.Timeout)
				}
				if cfg.GitHub.APIURL != DefaultAPIURL {
					t.Errorf("api_url default not kept: %q", cfg.GitHub.APIURL)
				}
				if cfg.GitHub.Retry.MaxAttempts != 3 {
					t.Errorf("retry default not kept: %d", cfg.GitHub.Retry.MaxAttempts)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
github:
  api_url: ${GHE_URL}
state:
  path: ${STATE_PATH}
`,
			env: map[string]string{
				"GHE_URL":    "https://ghe.example.com/api/v3/",
				"STATE_PATH": "/tmp/isca.db",
			},
			checkFn: func(t *testing.T, cfg *Settings) {
				if cfg.GitHub.APIURL != "https://ghe.example.com/api/v3/" {
					t.Errorf("api_url not interpolated: %s", cfg.GitHub.APIURL)
				}
				if cfg.State.Path != "/tmp/isca.db" {
					t.Errorf("state.path not interpolated: %s", cfg.State.Path)
				}
			},
		},
		{
			name: "unset env var in api_url fails",
			yaml: `
github:
  api_url: ${ISCA_TEST_UNSET_VAR}
`,
			wantErr: true,
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: loud
`,
			wantErr: true,
		},
		{
			name: "invalid log format",
			yaml: `
service:
  log_format: xml
`,
			wantErr: true,
		},
		{
			name: "zero read timeout",
			yaml: `
receiver:
  read_timeout: 0s
`,
			wantErr: true,
		},
		{
			name: "bad body size",
			yaml: `
receiver:
  max_body_size: lots
`,
			wantErr: true,
		},
		{
			name: "zero retry attempts",
			yaml: `
github:
  retry:
    max_attempts: 0
`,
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "service: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "isca.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}

			cfg, err := LoadSettings(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadSettings() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadSettingsDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadSettings("")
	if err != nil {
		t.Fatalf("LoadSettings(\"\") error = %v", err)
	}
	if cfg.Receiver.MaxBodySize != "1MB" {
		t.Errorf("MaxBodySize = %q, want 1MB", cfg.Receiver.MaxBodySize)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", DefaultMaxBodySize, false},
		{"2048", 2048, false},
		{"512KB", 512 * 1024, false},
		{"1mb", 1024 * 1024, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{"0", 0, true},
		{"-5", 0, true},
		{"ten", 0, true},
		{"9999999999999GB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
