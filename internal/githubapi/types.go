package githubapi

import "time"

// HookConfig is the delivery configuration of a repository webhook.
type HookConfig struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Secret      string `json:"secret,omitempty"`
	InsecureSSL string `json:"insecure_ssl,omitempty"`
}

// HookRequest is the body of POST /repos/{owner}/{repo}/hooks.
type HookRequest struct {
	Name   string     `json:"name"`
	Active bool       `json:"active"`
	Events []string   `json:"events"`
	Config HookConfig `json:"config"`
}

// Hook is a webhook resource as returned by the API.
type Hook struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	Events    []string   `json:"events"`
	Config    HookConfig `json:"config"`
	CreatedAt time.Time  `json:"created_at"`
}
