// Package procrun executes external commands with explicit timeouts,
// captured output, and deterministic error classification. It is the single
// subprocess substrate for the image provisioner, the SSH transport, the
// agent controller, and the image builder.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/raveos/rave/internal/raverr"
)

// DefaultMaxOutputBytes caps captured stdout/stderr per stream. Exceeding
// the cap is an error, never a silent truncation.
const DefaultMaxOutputBytes = 8 * 1024 * 1024

// Options controls one command execution. Argv is passed verbatim; no shell
// is ever involved unless the caller puts one in the argv.
type Options struct {
	Timeout        time.Duration
	Dir            string
	Env            []string // nil inherits the parent environment
	Stdin          []byte
	MaxOutputBytes int64 // 0 means DefaultMaxOutputBytes
}

// Result is the outcome of a completed (or killed) command.
type Result struct {
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
	Duration   time.Duration
}

// ErrOutputLimit is wrapped into the returned error when a stream exceeds
// MaxOutputBytes.
var ErrOutputLimit = errors.New("procrun: output limit exceeded")

// boundedBuffer fails the write that would push it past the limit so the
// caller sees an error instead of a clipped stream.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if int64(b.buf.Len())+int64(len(p)) > b.limit {
		return 0, ErrOutputLimit
	}
	return b.buf.Write(p)
}

// Run executes argv and returns the captured result.
//
// Error classification:
//   - context/timeout expiry kills the process and returns KindTransient
//     carrying partial output
//   - non-zero exit returns KindResource carrying the full result
//   - spawn failures (missing binary) return KindResource
func Run(ctx context.Context, argv []string, opts Options) (*Result, error) {
	if len(argv) == 0 {
		return nil, raverr.New(raverr.KindValidation, "empty argv")
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	limit := opts.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	if opts.Stdin != nil {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}
	stdout := &boundedBuffer{limit: limit}
	stderr := &boundedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.buf.Bytes(),
		Stderr:   stderr.buf.Bytes(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ReturnCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		return res, raverr.Wrap(raverr.KindTransient, ctx.Err(),
			"command %s timed out after %s (stderr: %s)",
			argv[0], res.Duration.Round(time.Millisecond), tail(res.Stderr))
	case errors.Is(err, ErrOutputLimit):
		return res, raverr.Wrap(raverr.KindResource, err,
			"command %s exceeded the %d byte output limit", argv[0], limit)
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, raverr.Wrap(raverr.KindResource, err,
				"command %s exited %d (stderr: %s)", argv[0], res.ReturnCode, tail(res.Stderr))
		}
		return res, raverr.Wrap(raverr.KindResource, err, "spawn %s", argv[0])
	}
	return res, nil
}

// RunChecked is Run plus a non-empty-stdout assertion, for tools whose
// silence indicates failure (e.g. pidof).
func RunChecked(ctx context.Context, argv []string, opts Options) (*Result, error) {
	res, err := Run(ctx, argv, opts)
	if err != nil {
		return res, err
	}
	if len(bytes.TrimSpace(res.Stdout)) == 0 {
		return res, raverr.New(raverr.KindResource, "command %s produced no output", argv[0])
	}
	return res, nil
}

// tail returns the last few hundred bytes of a stream for error messages.
func tail(b []byte) string {
	const n = 400
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// MinimalEnv is the restricted environment used for security-sensitive
// subprocesses (agent controller).
func MinimalEnv() []string {
	return []string{
		"PATH=/usr/bin:/bin:/usr/sbin:/sbin",
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	}
}
