// Package netsetup runs the external commands that configure a freshly
// created tunnel device: address assignment, MTU, routes, and firewall
// rules. None of this lives in the core data plane; internal/session and
// internal/eventloop never call os/exec themselves, only cmd/dsvpn wires
// a Runner in at startup and on shutdown.
package netsetup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/dsvpn-go/dsvpn/internal/logging"
)

// DefaultTimeout bounds a single command's execution.
const DefaultTimeout = 5 * time.Second

// Vars holds the substitution set consumed by command templates, named
// after the environment variables of the same purpose.
type Vars struct {
	IfName       string
	LocalTunIP   string
	RemoteTunIP  string
	LocalTunIP6  string
	RemoteTunIP6 string
	ExtIfName    string
	ExtIP        string
	ExtGwIP      string
}

// expand substitutes $NAME tokens in template with their Vars value. An
// empty value substitutes to the empty string, which callers should
// avoid referencing in a template that doesn't also guard for it.
func (v Vars) expand(template string) string {
	// The IPv6 names come before their IPv4 prefixes: the replacer tries
	// patterns in argument order.
	r := strings.NewReplacer(
		"$IF_NAME", v.IfName,
		"$LOCAL_TUN_IP6", v.LocalTunIP6,
		"$REMOTE_TUN_IP6", v.RemoteTunIP6,
		"$LOCAL_TUN_IP", v.LocalTunIP,
		"$REMOTE_TUN_IP", v.RemoteTunIP,
		"$EXT_IF_NAME", v.ExtIfName,
		"$EXT_IP", v.ExtIP,
		"$EXT_GW_IP", v.ExtGwIP,
	)
	return r.Replace(template)
}

// Command is one shell-style command line, expanded and run as a single
// exec.Command invocation (no shell is invoked, so shell metacharacters
// in a substituted value are inert rather than a second injection
// vector).
type Command struct {
	// Name is the program to run, e.g. "ip" or "ifconfig".
	Name string
	// Args are the arguments, each eligible for $VAR substitution.
	Args []string
}

// Runner executes a configured set of up/down commands against a Vars
// substitution set. Up commands bring the tunnel device into service
// (address, MTU, routes); Down commands are the inverse, run on
// shutdown to leave the host as it was found.
type Runner struct {
	Up      []Command
	Down    []Command
	Timeout time.Duration
	Logger  *slog.Logger
}

// New builds a Runner. logger may be nil.
func New(up, down []Command, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Runner{Up: up, Down: down, Timeout: DefaultTimeout, Logger: logger}
}

// Apply runs every Up command against vars, in order, stopping at the
// first failure.
func (r *Runner) Apply(ctx context.Context, vars Vars) error {
	return r.run(ctx, r.Up, vars)
}

// Teardown runs every Down command against vars, in order. Unlike
// Apply, it keeps going after a failure (logging each one) since a
// shutdown path should undo as much as it can rather than abort
// partway through.
func (r *Runner) Teardown(ctx context.Context, vars Vars) error {
	var firstErr error
	for _, cmd := range r.Down {
		if err := r.runOne(ctx, cmd, vars); err != nil {
			r.Logger.Warn("teardown command failed",
				logging.KeyError, err,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Runner) run(ctx context.Context, cmds []Command, vars Vars) error {
	for _, cmd := range cmds {
		if err := r.runOne(ctx, cmd, vars); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runOne(ctx context.Context, c Command, vars Vars) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = vars.expand(a)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, c.Name, args...)
	cmd.Stderr = &stderr

	r.Logger.Info("running network setup command",
		logging.KeyComponent, "netsetup",
		"command", c.Name,
		"args", args,
	)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("netsetup: %s %s: %w: %s", c.Name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
