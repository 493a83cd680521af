package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Source resolves some subset of a schema. Implementations return only keys
// present in the schema they are given and skip empty values.
type Source interface {
	Name() string
	Resolve(ctx context.Context, schema Schema) (map[string]string, error)
}

// DefaultEnvFile is the dotenv file read when no other path is given.
const DefaultEnvFile = ".env"

// DotenvSource reads KEY=value lines from a dotenv file.
type DotenvSource struct {
	Path string
}

func (s DotenvSource) Name() string { return s.path() }

func (s DotenvSource) path() string {
	if s.Path == "" {
		return DefaultEnvFile
	}
	return s.Path
}

// Resolve returns an empty map when the file does not exist.
func (s DotenvSource) Resolve(_ context.Context, schema Schema) (map[string]string, error) {
	path := s.path()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	raw, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Keys are matched case-insensitively; the file may use lower case.
	upper := make(map[string]string, len(raw))
	for k, v := range raw {
		upper[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return pick(schema, upper), nil
}

// EnvSource reads the process environment.
type EnvSource struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

func (EnvSource) Name() string { return "environment" }

func (s EnvSource) Resolve(_ context.Context, schema Schema) (map[string]string, error) {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := make(map[string]string)
	for _, k := range schema {
		if v, ok := lookup(k.Name); ok && strings.TrimSpace(v) != "" {
			out[k.Name] = strings.TrimSpace(v)
		}
	}
	return out, nil
}

// MapSource serves fixed values, mostly for flags and tests.
type MapSource struct {
	Label  string
	Values map[string]string
}

func (s MapSource) Name() string { return s.Label }

func (s MapSource) Resolve(_ context.Context, schema Schema) (map[string]string, error) {
	return pick(schema, s.Values), nil
}

func pick(schema Schema, values map[string]string) map[string]string {
	out := make(map[string]string)
	for _, k := range schema {
		if v := values[k.Name]; v != "" {
			out[k.Name] = v
		}
	}
	return out
}
