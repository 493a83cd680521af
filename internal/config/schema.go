package config

// Setting names understood by the credential provider.
const (
	KeyAccessToken  = "GITHUB_ACCESS_TOKEN"
	KeyRepository   = "REPOSITORY_NAME"
	KeySecret       = "WEBHOOK_SECRET"
	KeyCallbackURL  = "CALLBACK_URL"
	KeyBeforeAction = "BEFORE_ACTION"
	KeyAfterAction  = "AFTER_ACTION"
)

// Key describes one named setting.
type Key struct {
	Name        string
	Description string
	Required    bool
	// Secret values are masked when prompted and never logged.
	Secret bool
}

// Schema is an ordered set of keys. Order drives prompt order.
type Schema []Key

// DefaultSchema returns the settings needed to register and serve a webhook.
func DefaultSchema() Schema {
	return Schema{
		{Name: KeyAccessToken, Description: "GitHub Access Token", Required: true, Secret: true},
		{Name: KeyRepository, Description: "Repository name", Required: true},
		{Name: KeySecret, Description: "Webhook shared secret", Required: true, Secret: true},
		{Name: KeyCallbackURL, Description: "Callback URL", Required: true},
		{Name: KeyBeforeAction, Description: "Before action command"},
		{Name: KeyAfterAction, Description: "After action command"},
	}
}

// Names returns the key names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, k := range s {
		names[i] = k.Name
	}
	return names
}

// Lookup finds a key by name.
func (s Schema) Lookup(name string) (Key, bool) {
	for _, k := range s {
		if k.Name == name {
			return k, true
		}
	}
	return Key{}, false
}

// Pending returns the keys that have no non-empty value in resolved.
func (s Schema) Pending(resolved map[string]string) Schema {
	var out Schema
	for _, k := range s {
		if resolved[k.Name] == "" {
			out = append(out, k)
		}
	}
	return out
}

// Required filters the schema down to required keys.
func (s Schema) Required() Schema {
	var out Schema
	for _, k := range s {
		if k.Required {
			out = append(out, k)
		}
	}
	return out
}
