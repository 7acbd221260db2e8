// Package sshx builds and runs SSH invocations against tenant guests. Guests
// are reached through host port forwards on loopback; host key checking is
// disabled because the forwarded endpoint is re-keyed on every image reset.
package sshx

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/procrun"
	"github.com/raveos/rave/internal/raverr"
	"github.com/raveos/rave/internal/tenant"
)

// runFunc matches procrun.Run; injectable for tests.
type runFunc func(ctx context.Context, argv []string, opts procrun.Options) (*procrun.Result, error)

// Transport executes remote scripts on tenant guests.
type Transport struct {
	User              string // key-auth account, usually root
	BootstrapUser     string // password-auth fallback account
	BootstrapPassword string
	run               runFunc
}

// New creates a transport with the given accounts.
func New(user, bootstrapUser, bootstrapPassword string) *Transport {
	return &Transport{
		User:              user,
		BootstrapUser:     bootstrapUser,
		BootstrapPassword: bootstrapPassword,
		run:               procrun.Run,
	}
}

// Options controls one remote script execution.
type Options struct {
	Timeout        time.Duration
	Description    string
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
	Args           []string // positional parameters handed to the script ($1..)
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 2 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
}

// BuildArgs returns the ssh argv for a tenant. If the record's private key
// exists on disk, key authentication is used; otherwise the password helper
// wraps the invocation. An error is returned when neither is available.
func (t *Transport) BuildArgs(rec *tenant.Record, connectTimeout time.Duration) ([]string, error) {
	port, ok := rec.Ports["ssh"]
	if !ok {
		return nil, raverr.New(raverr.KindValidation, "tenant %q has no ssh port forward", rec.Name)
	}
	common := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(connectTimeout.Seconds())),
		"-o", "LogLevel=ERROR",
		"-p", strconv.Itoa(port),
	}

	if _, err := os.Stat(rec.KeypairPath); err == nil {
		argv := []string{"ssh", "-i", rec.KeypairPath}
		argv = append(argv, common...)
		argv = append(argv, t.User+"@127.0.0.1")
		return argv, nil
	}

	if t.BootstrapUser != "" && t.BootstrapPassword != "" {
		argv := []string{"sshpass", "-p", t.BootstrapPassword, "ssh",
			"-o", "PreferredAuthentications=password",
			"-o", "PubkeyAuthentication=no"}
		argv = append(argv, common...)
		argv = append(argv, t.BootstrapUser+"@127.0.0.1")
		return argv, nil
	}

	return nil, raverr.New(raverr.KindResource,
		"no ssh credentials for tenant %q: keypair %s missing and no bootstrap password configured",
		rec.Name, rec.KeypairPath)
}

// RunScript executes script on the guest via `bash -lc`, retrying transient
// failures with exponential backoff (delay = min(initial*2^(n-1), max)). The
// last error is returned on exhaustion.
func (t *Transport) RunScript(ctx context.Context, rec *tenant.Record, script string, opts Options) (*procrun.Result, error) {
	return t.runWithRetry(ctx, rec, script, nil, opts)
}

// RunStream is RunScript with caller-supplied bytes piped to the remote
// script's stdin; used to deliver override tarballs.
func (t *Transport) RunStream(ctx context.Context, rec *tenant.Record, script string, stdin []byte, opts Options) (*procrun.Result, error) {
	return t.runWithRetry(ctx, rec, script, stdin, opts)
}

func (t *Transport) runWithRetry(ctx context.Context, rec *tenant.Record, script string, stdin []byte, opts Options) (*procrun.Result, error) {
	opts.defaults()

	argv, err := t.BuildArgs(rec, opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	argv = append(argv, RemoteCommand(script, opts.Args))

	var lastRes *procrun.Result
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(opts.InitialDelay, opts.MaxDelay, attempt)
			logging.Op().Debug("ssh retry",
				"tenant", rec.Name, "op", opts.Description,
				"attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return lastRes, raverr.Wrap(raverr.KindTransient, ctx.Err(), "ssh %s cancelled", opts.Description)
			case <-time.After(delay):
			}
		}

		lastRes, lastErr = t.run(ctx, argv, procrun.Options{
			Timeout: opts.Timeout,
			Stdin:   stdin,
		})
		if lastErr == nil {
			return lastRes, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return lastRes, raverr.Wrap(raverr.KindTransient, lastErr,
		"ssh %s on tenant %q failed after %d attempts", opts.Description, rec.Name, opts.MaxAttempts)
}

// RemoteCommand composes the single command string ssh hands to the remote
// shell: the script runs under `bash -lc` with every byte quoted, and any
// parameters arrive as $1.. — never interpolated into the script text.
func RemoteCommand(script string, args []string) string {
	cmd := "bash -lc " + ShellQuote(script)
	if len(args) > 0 {
		cmd += " bash" // $0
		for _, a := range args {
			cmd += " " + ShellQuote(a)
		}
	}
	return cmd
}

// ShellQuote single-quotes a value for POSIX shells.
func ShellQuote(s string) string {
	out := "'"
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out += `'\''`
			continue
		}
		out += string(s[i])
	}
	return out + "'"
}

// backoffDelay computes the pre-attempt delay for attempt n (n >= 2).
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	d := initial << uint(attempt-2)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// InteractiveArgs returns the argv for an operator-facing `rave vm ssh`
// handoff: same credentials as BuildArgs without a remote command.
func (t *Transport) InteractiveArgs(rec *tenant.Record) ([]string, error) {
	return t.BuildArgs(rec, 10*time.Second)
}

// Probe runs a trivial remote command to confirm connectivity.
func (t *Transport) Probe(ctx context.Context, rec *tenant.Record) error {
	_, err := t.RunScript(ctx, rec, "true", Options{
		Description: "connectivity probe",
		Timeout:     15 * time.Second,
		MaxAttempts: 1,
	})
	return err
}
