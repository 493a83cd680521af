package config

import "time"

// Settings holds the tunables read from isca.yaml. Credentials are not part
// of this file; they come from the Provider chain.
type Settings struct {
	Service  ServiceConfig  `yaml:"service"`
	GitHub   GitHubConfig   `yaml:"github"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Actions  ActionsConfig  `yaml:"actions"`
	State    StateConfig    `yaml:"state"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// GitHubConfig defines how the hosting API is reached.
type GitHubConfig struct {
	APIURL     string        `yaml:"api_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Idempotent bool          `yaml:"idempotent"`
	Retry      RetryConfig   `yaml:"retry"`
}

// RetryConfig bounds registration retries on transport failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// ReceiverConfig defines delivery listener limits.
type ReceiverConfig struct {
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodySize  string        `yaml:"max_body_size"` // e.g. "1MB", "262144"
}

// ActionsConfig bounds before/after action execution.
type ActionsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// StateConfig defines where the hook ledger lives.
type StateConfig struct {
	Path string `yaml:"path"`
}

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com/"

// Defaults returns Settings with every field populated.
func Defaults() *Settings {
	return &Settings{
		Service: ServiceConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		GitHub: GitHubConfig{
			APIURL:  DefaultAPIURL,
			Timeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BackoffBase: 1 * time.Second,
			},
		},
		Receiver: ReceiverConfig{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodySize:  "1MB",
		},
		Actions: ActionsConfig{
			Timeout: 60 * time.Second,
		},
		State: StateConfig{
			Path: "./data/isca.db",
		},
	}
}
