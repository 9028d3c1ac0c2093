// Package shellexec runs external commands with a bounded timeout and
// captured output. It separates a command that ran and failed from one
// that could not be started at all.
package shellexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
)

const (
	// DefaultTimeout bounds a command when the caller does not ask for
	// anything else.
	DefaultTimeout = 30 * time.Second
	// MaxTimeout caps per-call overrides. Package installs are the
	// slowest commands the daemon issues.
	MaxTimeout = 10 * time.Minute
	// DefaultMaxOutput is the combined stdout+stderr capture limit.
	DefaultMaxOutput = 100 * 1024

	// waitDelay bounds how long Wait blocks on output pipes held open by
	// grandchildren after the command itself has been killed.
	waitDelay = 2 * time.Second

	levelTrace = slog.Level(-8)
)

var (
	// ErrFailed means the command ran and exited non-zero.
	ErrFailed = errors.New("command failed")
	// ErrNotStarted means the command could not be launched (missing
	// binary, permission denied, empty argv).
	ErrNotStarted = errors.New("command could not be started")
	// ErrTimeout means the command was killed at its deadline.
	ErrTimeout = errors.New("command timed out")
)

// Result is the outcome of a command that was started.
type Result struct {
	// Output holds combined stdout and stderr, truncated at the
	// executor's capture limit.
	Output   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner runs a command and returns its result. Components depend on
// this interface so tests can script command outcomes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// Config configures an [Executor].
type Config struct {
	// Timeout is the default per-command bound. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxOutput caps captured output in bytes. Zero means DefaultMaxOutput.
	MaxOutput int
	// Dir is the working directory. Empty uses the current directory.
	Dir string
	// Env, when non-nil, replaces the process environment.
	Env    []string
	Logger *slog.Logger
}

// Executor runs commands directly (no shell) unless [Executor.Shell]
// is used.
type Executor struct {
	timeout   time.Duration
	maxOutput int
	dir       string
	env       []string
	logger    *slog.Logger
}

// New creates an executor from cfg.
func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Timeout > MaxTimeout {
		cfg.Timeout = MaxTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutput,
		dir:       cfg.Dir,
		env:       cfg.Env,
		logger:    cfg.Logger,
	}
}

// Run executes name with args under the default timeout.
func (e *Executor) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return e.RunTimeout(ctx, e.timeout, name, args...)
}

// RunTimeout executes name with args under timeout, capped at
// MaxTimeout. A non-positive timeout uses the executor default.
//
// The returned Result is nil only when the command never started.
func (e *Executor) RunTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (*Result, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty command", ErrNotStarted)
	}
	if timeout <= 0 {
		timeout = e.timeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	if e.dir != "" {
		cmd.Dir = e.dir
	}
	if e.env != nil {
		cmd.Env = e.env
	}
	cmd.WaitDelay = waitDelay

	out := &limitedBuffer{limit: e.maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e.logger.Debug("command not started", "command", name, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotStarted, name, err)
	}
	err := cmd.Wait()

	result := &Result{
		Output:   out.String(),
		Duration: time.Since(start),
	}

	e.logger.Log(ctx, levelTrace, "command finished",
		"command", name,
		"args", args,
		"duration", result.Duration,
		"output", result.Output)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, name)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("%w: %s exited %d", ErrFailed, name, result.ExitCode)
		}
		result.ExitCode = -1
		return result, fmt.Errorf("%w: %s: %v", ErrFailed, name, err)
	}

	return result, nil
}

// RunLine splits line with shell quoting rules and runs the result.
// No shell is involved: pipes, globs, and variables are not expanded.
func (e *Executor) RunLine(ctx context.Context, line string) (*Result, error) {
	argv, err := Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotStarted, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrNotStarted)
	}
	return e.Run(ctx, argv[0], argv[1:]...)
}

// Shell runs script with sh -c.
func (e *Executor) Shell(ctx context.Context, script string) (*Result, error) {
	return e.Run(ctx, "sh", "-c", script)
}

// Split tokenizes a command line using POSIX-shell-like quoting.
func Split(line string) ([]string, error) {
	argv, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("split %q: %w", line, err)
	}
	return argv, nil
}

// LookPath reports the resolved path of name, or "" when it is not on
// PATH.
func LookPath(name string) string {
	p, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return p
}

// Summary returns the last non-empty line of r's output, which for
// most CLI tools is the error message. Safe on nil.
func (r *Result) Summary() string {
	if r == nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(r.Output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// limitedBuffer keeps the first limit bytes written to it and records
// whether anything was dropped. Writes never fail so the child is not
// killed by a broken pipe.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n\n[... output truncated ...]"
	}
	return b.buf.String()
}
