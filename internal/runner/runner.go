// Package runner executes external tools such as ffmpeg as child processes.
// Arguments are passed as an argv slice and never through a shell.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxStderr is how much trailing stderr ExecRunner keeps.
const DefaultMaxStderr = 64 << 10

// Command describes one external invocation.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration // zero means no limit beyond the caller's context
}

// String renders the command in shell-quoted form. It is meant for logs only.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=+,@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Result captures the outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Kind classifies why a command failed.
type Kind string

const (
	KindExit     Kind = "exit"     // process ran and exited nonzero
	KindTimeout  Kind = "timeout"  // killed after exceeding Command.Timeout
	KindCanceled Kind = "canceled" // caller's context was cancelled
	KindStart    Kind = "start"    // process could not be started
)

// Error is returned for every failed invocation.
type Error struct {
	Kind     Kind
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindExit:
		return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, Tail(e.Stderr, 512))
	case KindTimeout:
		return fmt.Sprintf("%s timed out and was killed", e.Command)
	case KindCanceled:
		return fmt.Sprintf("%s cancelled", e.Command)
	default:
		return fmt.Sprintf("%s could not start: %v", e.Command, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Runner abstracts process execution so callers can be tested without
// spawning real tools.
type Runner interface {
	Run(ctx context.Context, c Command) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed.
	WaitDelay time.Duration
	// MaxStderr caps captured stderr; older output is dropped. Zero means
	// DefaultMaxStderr.
	MaxStderr int
}

// NewExecRunner returns an ExecRunner with production defaults.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{WaitDelay: 5 * time.Second, MaxStderr: DefaultMaxStderr}
}

// Run starts c, waits for it and returns its captured output. Any failure is
// reported as *Error.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.WaitDelay = r.WaitDelay

	max := r.MaxStderr
	if max <= 0 {
		max = DefaultMaxStderr
	}
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: max}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}

	rerr := &Error{Command: c.String(), ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	switch {
	case ctx.Err() != nil:
		rerr.Kind = KindCanceled
		rerr.Err = ctx.Err()
	case runCtx.Err() != nil:
		rerr.Kind = KindTimeout
		rerr.Err = runCtx.Err()
	case exitErr != nil:
		rerr.Kind = KindExit
	default:
		rerr.Kind = KindStart
	}
	return res, rerr
}

// Tail returns at most the last n bytes of s, trimmed of surrounding space.
// The cut never splits a UTF-8 sequence.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[runeStart(s, len(s)-n):]
}

// runeStart moves i forward to the next rune boundary of s.
func runeStart(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// tailBuffer is an io.Writer that keeps only the last max bytes written.
type tailBuffer struct {
	max     int
	buf     []byte
	dropped bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= b.max {
		b.buf = append(b.buf[:0], p[len(p)-b.max:]...)
		b.dropped = true
		return n, nil
	}
	if over := len(b.buf) + len(p) - b.max; over > 0 {
		copy(b.buf, b.buf[over:])
		b.buf = b.buf[:len(b.buf)-over]
		b.dropped = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	s := string(b.buf)
	if b.dropped {
		s = s[runeStart(s, 0):]
	}
	return s
}
