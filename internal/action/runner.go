package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Stage names the point in delivery handling an action runs at.
type Stage string

const (
	StageBefore Stage = "before"
	StageAfter  Stage = "after"
)

const (
	// MaxOutputBytes caps captured stdout and stderr per stream.
	MaxOutputBytes = 64 * 1024

	terminationGracePeriod = 5 * time.Second
)

// Invocation describes one action run.
type Invocation struct {
	Stage      Stage
	Ref        string
	DeliveryID string
	Event      string
	Payload    json.RawMessage
}

// envelope is the JSON document written to the action's stdin.
type envelope struct {
	Stage      Stage           `json:"stage"`
	DeliveryID string          `json:"delivery_id"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
}

// Failure reports an action that could not run or did not succeed.
type Failure struct {
	Stage    Stage
	Ref      string
	ExitCode int // -1 when the process never exited on its own
	Stderr   string
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s action %q failed: %v", f.Stage, f.Ref, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result is what a successful action produced.
type Result struct {
	Stdout string
	Stderr string
}

// Runner spawns action processes.
type Runner struct {
	logger *slog.Logger
	// Grace is the delay between SIGTERM and SIGKILL.
	Grace time.Duration
}

// NewRunner returns a Runner that logs through logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger, Grace: terminationGracePeriod}
}

// Run executes inv.Ref. An empty reference does nothing.
func (r *Runner) Run(ctx context.Context, inv Invocation) error {
	_, err := r.Execute(ctx, inv)
	return err
}

// Execute is Run with the captured output returned.
func (r *Runner) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	if strings.TrimSpace(inv.Ref) == "" {
		return &Result{}, nil
	}
	fail := func(code int, stderr string, err error) (*Result, error) {
		return nil, &Failure{Stage: inv.Stage, Ref: inv.Ref, ExitCode: code, Stderr: stderr, Err: err}
	}

	argv, err := Split(inv.Ref)
	if err != nil {
		return fail(-1, "", err)
	}
	if len(argv) == 0 {
		return &Result{}, nil
	}

	payload := inv.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	input, err := json.Marshal(envelope{Stage: inv.Stage, DeliveryID: inv.DeliveryID, Event: inv.Event, Payload: payload})
	if err != nil {
		return fail(-1, "", fmt.Errorf("encode envelope: %w", err))
	}

	// Termination is managed below rather than by CommandContext.
	cmd := exec.Command(argv[0], argv[1:]...)
	// Grandchildren holding the output pipes must not stall Wait.
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"ISCA_STAGE="+string(inv.Stage),
		"ISCA_DELIVERY_ID="+inv.DeliveryID,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(-1, "", fmt.Errorf("create stdin pipe: %w", err))
	}
	stdout := &cappedBuffer{limit: MaxOutputBytes}
	stderr := &cappedBuffer{limit: MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger := r.logger.With("stage", string(inv.Stage), "delivery_id", inv.DeliveryID)
	logger.Debug("spawning action", "command", argv[0])

	if err := cmd.Start(); err != nil {
		return fail(-1, "", fmt.Errorf("start process: %w", err))
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		_, err := stdin.Write(input)
		writeErr <- err
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Warn("action deadline reached, sending SIGTERM")
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(r.Grace)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("action exited after SIGTERM")
		case <-grace.C:
			logger.Warn("action did not exit after SIGTERM, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		return fail(-1, stderr.String(), ctx.Err())

	case err := <-waitErr:
		// A process that exits without reading stdin closes the pipe under us.
		if werr := <-writeErr; werr != nil && !errors.Is(werr, syscall.EPIPE) && !errors.Is(werr, os.ErrClosed) {
			return fail(-1, stderr.String(), fmt.Errorf("write stdin: %w", werr))
		}

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return fail(exitErr.ExitCode(), stderr.String(), err)
			}
			return fail(-1, stderr.String(), fmt.Errorf("wait for process: %w", err))
		}
	}

	logger.Debug("action completed", "stdout_bytes", stdout.Len())
	return &Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// cappedBuffer keeps the first limit bytes and silently drops the rest so
// a chatty process never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = len(p) > 0 || c.truncated
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) Len() int { return c.buf.Len() }

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "... (truncated)"
	}
	return c.buf.String()
}
