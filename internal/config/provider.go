package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// MissingError reports required keys that no source could resolve.
type MissingError struct {
	Keys []string
	err  error
}

func (e *MissingError) Error() string {
	return "missing required settings: " + strings.Join(e.Keys, ", ")
}

// Unwrap exposes the per-key errors.
func (e *MissingError) Unwrap() error { return e.err }

// Provider merges sources in priority order. Each source is only asked for
// the keys earlier sources left unresolved.
type Provider struct {
	sources []Source
	logger  *slog.Logger
}

// NewProvider builds a provider; sources are consulted in the order given.
func NewProvider(logger *slog.Logger, sources ...Source) *Provider {
	return &Provider{sources: sources, logger: logger}
}

// Resolve returns a value for every resolvable key in schema.
// It fails with *MissingError when a required key stays empty.
func (p *Provider) Resolve(ctx context.Context, schema Schema) (map[string]string, error) {
	resolved := make(map[string]string, len(schema))

	for _, src := range p.sources {
		pending := schema.Pending(resolved)
		if len(pending) == 0 {
			break
		}

		values, err := src.Resolve(ctx, pending)
		if err != nil {
			return nil, fmt.Errorf("config source %s: %w", src.Name(), err)
		}

		for _, k := range pending {
			v := values[k.Name]
			if v == "" {
				continue
			}
			resolved[k.Name] = v
			p.logger.Info("loaded setting", "key", k.Name, "source", src.Name())
		}
	}

	var (
		result  *multierror.Error
		missing []string
	)
	for _, k := range schema.Required().Pending(resolved) {
		missing = append(missing, k.Name)
		result = multierror.Append(result, fmt.Errorf("%s (%s) is not set", k.Name, k.Description))
	}
	if len(missing) > 0 {
		return nil, &MissingError{Keys: missing, err: result.ErrorOrNil()}
	}

	return resolved, nil
}
