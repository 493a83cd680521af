package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/zeebo/blake3"
)

// Credentials is the resolved, validated set of registration settings.
// It is built once at startup and never mutated.
type Credentials struct {
	accessToken  string
	repository   string
	secret       string
	callbackURL  string
	beforeAction string
	afterAction  string
}

// NewCredentials validates resolved values and freezes them.
func NewCredentials(values map[string]string) (Credentials, error) {
	c := Credentials{
		accessToken:  values[KeyAccessToken],
		repository:   strings.Trim(values[KeyRepository], "/"),
		secret:       values[KeySecret],
		callbackURL:  values[KeyCallbackURL],
		beforeAction: values[KeyBeforeAction],
		afterAction:  values[KeyAfterAction],
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// Validate checks required values and the shape of the repository and callback URL.
func (c Credentials) Validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{KeyAccessToken, c.accessToken},
		{KeyRepository, c.repository},
		{KeySecret, c.secret},
		{KeyCallbackURL, c.callbackURL},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}

	owner, name, ok := strings.Cut(c.repository, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") || strings.ContainsAny(c.repository, " \t") {
		return fmt.Errorf("%s must look like owner/name (got %q)", KeyRepository, c.repository)
	}

	u, err := url.Parse(c.callbackURL)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", KeyCallbackURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https (got %q)", KeyCallbackURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%s has no host", KeyCallbackURL)
	}
	return nil
}

func (c Credentials) AccessToken() string  { return c.accessToken }
func (c Credentials) Repository() string   { return c.repository }
func (c Credentials) Secret() string       { return c.secret }
func (c Credentials) CallbackURL() string  { return c.callbackURL }
func (c Credentials) BeforeAction() string { return c.beforeAction }
func (c Credentials) AfterAction() string  { return c.afterAction }

// SecretFingerprint is a short BLAKE3 digest of the shared secret. It
// identifies which secret a hook uses without revealing it.
func (c Credentials) SecretFingerprint() string {
	return Fingerprint(c.secret)
}

// Fingerprint returns the first 16 hex characters of BLAKE3-256(value).
func Fingerprint(value string) string {
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}

// String never includes the token or the secret.
func (c Credentials) String() string {
	return fmt.Sprintf("repository=%s callback_url=%s", c.repository, c.callbackURL)
}

// LogValue keeps secrets out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("repository", c.repository),
		slog.String("callback_url", c.callbackURL),
		slog.String("access_token", "[redacted]"),
		slog.String("secret_fingerprint", c.SecretFingerprint()),
		slog.Bool("before_action", c.beforeAction != ""),
		slog.Bool("after_action", c.afterAction != ""),
	)
}
