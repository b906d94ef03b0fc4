// Package sandbox runs untrusted skill code in a subprocess with a
// scrubbed environment and a hard deadline.
//
// The interpreter is started in its own process group so the kill
// escalation reaches children the skill may have spawned; a plain
// exec.CommandContext would signal only the interpreter itself. On
// deadline the group gets SIGTERM, a short grace period, then SIGKILL.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/skills"
)

// MaxCapturedOutput caps each captured stream at 1 MiB. Anything the
// skill writes past that is drained and discarded.
const MaxCapturedOutput = 1 << 20

const (
	// DefaultTimeout is the hard wall-clock limit for one run.
	DefaultTimeout = 60 * time.Second
	// DefaultGrace is how long SIGTERM gets before SIGKILL.
	DefaultGrace = 5 * time.Second
)

// ErrUnsupportedLanguage is returned for languages with no interpreter mapping.
var ErrUnsupportedLanguage = errors.New("unsupported sandbox language")

// Result is the outcome of one sandboxed run. A non-zero exit code or
// a timeout is a verdict, not an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Runner executes skill code files.
type Runner struct {
	timeout time.Duration
	grace   time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout overrides the wall-clock limit.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithGrace overrides the SIGTERM grace period.
func WithGrace(d time.Duration) Option {
	return func(r *Runner) { r.grace = d }
}

// New creates a Runner with the default deadline.
func New(opts ...Option) *Runner {
	r := &Runner{timeout: DefaultTimeout, grace: DefaultGrace}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func commandFor(language, codePath string) ([]string, error) {
	switch language {
	case skills.LangPython:
		return []string{"python3", "-I", codePath}, nil
	case skills.LangJavaScript:
		return []string{"node", codePath}, nil
	case skills.LangTypeScript:
		// node chokes on type annotations; tsx strips them on the fly.
		return []string{"npx", "tsx", codePath}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
}

// Run executes the code file and waits for it to finish or hit the
// deadline. The working directory is the file's directory; the
// environment is reduced to PATH and HOME.
func (r *Runner) Run(ctx context.Context, codePath, language string) (*Result, error) {
	argv, err := commandFor(language, codePath)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(codePath)
	cmd.Env = []string{"PATH=/usr/bin:/bin", "HOME=/tmp"}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &limitedBuffer{max: MaxCapturedOutput}
	stderr := &limitedBuffer{max: MaxCapturedOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	res := &Result{}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		r.killGroup(cmd, done)
		return nil, ctx.Err()
	case <-timer.C:
		logging.Op().Warn("sandboxed run hit deadline", "code_path", codePath, "timeout", r.timeout)
		waitErr = r.killGroup(cmd, done)
		res.TimedOut = true
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("wait for %s: %w", argv[0], waitErr)
		}
	}
	return res, nil
}

// killGroup signals the whole process group: SIGTERM, grace period,
// then SIGKILL. It returns the wait error of the killed process.
func (r *Runner) killGroup(cmd *exec.Cmd, done chan error) error {
	if cmd.Process == nil {
		return <-done
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case <-time.After(r.grace):
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		return <-done
	}
}

// limitedBuffer keeps the first max bytes written and reports the rest
// as consumed so the pipe never backs up.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := b.max - b.buf.Len(); remaining > 0 {
		if n > remaining {
			p = p[:remaining]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
