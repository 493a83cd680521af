// Package prompt asks the operator for settings no other source provided.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/mattjoyce/isca/internal/config"
)

// ErrAborted is returned when the operator cancels the prompt.
var ErrAborted = errors.New("prompt aborted")

// Source is a config.Source backed by a terminal prompt. Only required keys
// are asked for.
type Source struct {
	in  io.Reader
	out io.Writer
	// interactive overrides terminal detection; used by tests.
	interactive *bool
}

// NewSource prompts on in and writes questions to out.
func NewSource(in io.Reader, out io.Writer) *Source {
	return &Source{in: in, out: out}
}

func (s *Source) Name() string { return "prompt" }

// Resolve asks for each required key in schema order.
func (s *Source) Resolve(ctx context.Context, schema config.Schema) (map[string]string, error) {
	keys := schema.Required()
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	if !s.isTerminal() {
		return s.readLines(ctx, keys, out)
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		v, err := s.ask(ctx, key)
		if err != nil {
			return out, err
		}
		if v != "" {
			out[key.Name] = v
		}
	}
	return out, nil
}

func (s *Source) ask(ctx context.Context, key config.Key) (string, error) {
	p := tea.NewProgram(newModel(key),
		tea.WithContext(ctx),
		tea.WithInput(s.in),
		tea.WithOutput(s.out),
	)
	final, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("prompt for %s: %w", key.Name, err)
	}
	m, ok := final.(model)
	if !ok || m.aborted {
		return "", ErrAborted
	}
	return m.value(), nil
}

// readLines is the non-terminal fallback: one line per key. Input ending
// early leaves the remaining keys unresolved.
func (s *Source) readLines(ctx context.Context, keys config.Schema, out map[string]string) (map[string]string, error) {
	scanner := bufio.NewScanner(s.in)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		fmt.Fprintf(s.out, "%s: ", key.Description)
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			break
		}
		if v := strings.TrimSpace(scanner.Text()); v != "" {
			out[key.Name] = v
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("read prompt input: %w", err)
	}
	return out, nil
}

func (s *Source) isTerminal() bool {
	if s.interactive != nil {
		return *s.interactive
	}
	f, ok := s.in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
