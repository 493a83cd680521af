package config

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCredentials(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]string)
		wantErr string
	}{
		{name: "valid", mutate: func(map[string]string) {}},
		{name: "trailing slash trimmed", mutate: func(m map[string]string) { m[KeyRepository] = "octo/repo/" }},
		{name: "missing token", mutate: func(m map[string]string) { delete(m, KeyAccessToken) }, wantErr: KeyAccessToken},
		{name: "repo without owner", mutate: func(m map[string]string) { m[KeyRepository] = "repo" }, wantErr: "owner/name"},
		{name: "repo too deep", mutate: func(m map[string]string) { m[KeyRepository] = "a/b/c" }, wantErr: "owner/name"},
		{name: "ftp callback", mutate: func(m map[string]string) { m[KeyCallbackURL] = "ftp://x.example.com/" }, wantErr: "http or https"},
		{name: "callback without host", mutate: func(m map[string]string) { m[KeyCallbackURL] = "http:///path" }, wantErr: "no host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := fullValues()
			tt.mutate(values)

			creds, err := NewCredentials(values)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "octo/repo", creds.Repository())
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCredentialsMissingErrorType(t *testing.T) {
	_, err := NewCredentials(map[string]string{})
	var missing *MissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{KeyAccessToken, KeyRepository, KeySecret, KeyCallbackURL}, missing.Keys)
}

func TestCredentialsNeverLogSecrets(t *testing.T) {
	values := fullValues()
	values[KeyAccessToken] = "ghp_supersecrettoken"
	values[KeySecret] = "hunter2-shared"
	creds, err := NewCredentials(values)
	require.NoError(t, err)

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("resolved", "credentials", creds)

	out := buf.String()
	assert.NotContains(t, out, "ghp_supersecrettoken")
	assert.NotContains(t, out, "hunter2-shared")
	assert.Contains(t, out, "octo/repo")

	assert.False(t, strings.Contains(creds.String(), "hunter2-shared"))
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("topsecret")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, Fingerprint("topsecret"), "deterministic")
	assert.NotEqual(t, fp, Fingerprint("topsecret2"))
	assert.NotContains(t, fp, "topsecret")
}
