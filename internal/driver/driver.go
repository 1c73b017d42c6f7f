// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package driver runs the test-driving subprocess and retries it when it
// fails to establish the debug-protocol connection. The subprocess carries
// no state between attempts, so a connection failure restarts it from
// scratch, up to a fixed bound.
package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"grimm.is/patrolcov/internal/errors"
	"grimm.is/patrolcov/internal/logging"
)

// MaxAttempts bounds the whole-subprocess retry loop.
const MaxAttempts = 3

// connectionFailureSignature is the stderr diagnostic printed when the
// driving tool cannot attach to the debug protocol in time. Matching it
// kills the subprocess immediately and records a connection failure.
const connectionFailureSignature = "Timed out trying to connect to Flutter application"

// Environment keys exported to the driving subprocess.
const (
	envHostKey = "PATROL_HOST"
	envPortKey = "PATROL_PORT"
)

// Options describes one driving subprocess invocation.
type Options struct {
	Tool       string // driving tool binary, defaults to "flutter"
	DriverPath string
	TargetPath string
	DeviceID   string
	Flavor     string
	Defines    map[string]string
	Host       string
	Port       int
}

// ValidateDefine rejects definition keys and values that would be torn
// apart by the subprocess's own argument parsing. Checked eagerly, before
// any subprocess starts.
func ValidateDefine(key, value string) error {
	for _, s := range []string{key, value} {
		if strings.ContainsAny(s, " \t\n\r") {
			return errors.Errorf(errors.KindValidation,
				"dart-define %q=%q contains whitespace", key, value)
		}
		if strings.Contains(s, "=") {
			return errors.Errorf(errors.KindValidation,
				"dart-define %q=%q contains '='", key, value)
		}
	}
	if key == "" {
		return errors.New(errors.KindValidation, "dart-define key is empty")
	}
	return nil
}

// BuildArgs constructs the subprocess argument list deterministically from
// the options. Defines are emitted in sorted key order.
func (o *Options) BuildArgs() ([]string, error) {
	args := []string{"drive", "--driver", o.DriverPath, "--target", o.TargetPath}
	if o.DeviceID != "" {
		args = append(args, "--device-id", o.DeviceID)
	}
	if o.Flavor != "" {
		args = append(args, "--flavor", o.Flavor)
	}

	keys := make([]string, 0, len(o.Defines))
	for k := range o.Defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ValidateDefine(k, o.Defines[k]); err != nil {
			return nil, err
		}
		args = append(args, "--dart-define", k+"="+o.Defines[k])
	}
	return args, nil
}

func (o *Options) buildEnv() []string {
	env := append(os.Environ(),
		envHostKey+"="+o.Host,
		envPortKey+"="+strconv.Itoa(o.Port),
	)
	for k, v := range o.Defines {
		env = append(env, k+"="+v)
	}
	return env
}

// Known output prefix shapes of the driving tool. Lines carrying either
// are app output and log at info; anything else is tool chatter.
var (
	flutterPrefixRe = regexp.MustCompile(`^flutter:\s+`)
	logcatPrefixRe  = regexp.MustCompile(`^[IWEDV]/flutter\s*\(\s*\d+\):\s+`)
)

// StripLinePrefix removes a known output prefix from a subprocess line.
// The second return reports whether a prefix was recognized.
func StripLinePrefix(line string) (string, bool) {
	if loc := flutterPrefixRe.FindStringIndex(line); loc != nil {
		return line[loc[1]:], true
	}
	if loc := logcatPrefixRe.FindStringIndex(line); loc != nil {
		return line[loc[1]:], true
	}
	return line, false
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeConnectionFailure
	outcomeFatal
)

// retryState models the bounded attempt sequence explicitly so the
// exhausted edge is a first-class state.
type retryState struct {
	attempt uint
	max     uint
}

func (r *retryState) begin() bool {
	if r.attempt >= r.max {
		return false
	}
	r.attempt++
	return true
}

func (r *retryState) exhausted() bool {
	return r.attempt >= r.max
}

// Driver supervises the driving subprocess.
type Driver struct {
	opts   Options
	logger *logging.Logger

	// newCommand builds one un-started attempt; a seam for tests.
	newCommand func(ctx context.Context) (*exec.Cmd, error)

	spawned uint32
}

// New creates a Driver for the given options.
func New(opts Options, logger *logging.Logger) *Driver {
	if opts.Tool == "" {
		opts.Tool = "flutter"
	}
	if logger == nil {
		logger = logging.Default()
	}
	d := &Driver{
		opts:   opts,
		logger: logger.WithComponent("driver"),
	}
	d.newCommand = d.buildCommand
	return d
}

func (d *Driver) buildCommand(ctx context.Context) (*exec.Cmd, error) {
	args, err := d.opts.BuildArgs()
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, d.opts.Tool, args...)
	cmd.Env = d.opts.buildEnv()
	return cmd, nil
}

// Spawned reports how many subprocess instances Run started.
func (d *Driver) Spawned() uint {
	return uint(atomic.LoadUint32(&d.spawned))
}

// Run executes the driving subprocess, retrying connection failures up to
// MaxAttempts total attempts. On the last attempt's connection failure the
// error is propagated, not swallowed.
func (d *Driver) Run(ctx context.Context) error {
	state := retryState{max: MaxAttempts}

	for state.begin() {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.logger.Info("starting test driver", "attempt", state.attempt, "max", state.max)

		out, err := d.runOnce(ctx)
		switch {
		case err != nil && out == outcomeFatal:
			return err
		case out == outcomeSuccess:
			return nil
		case out == outcomeConnectionFailure:
			if state.exhausted() {
				return errors.Wrapf(err, errors.KindConnection,
					"driver failed to connect after %d attempts", state.max)
			}
			d.logger.Warn("driver could not connect, retrying", "attempt", state.attempt)
		}
	}
	return errors.Errorf(errors.KindConnection, "driver retries exhausted after %d attempts", state.max)
}

func (d *Driver) runOnce(ctx context.Context) (outcome, error) {
	cmd, err := d.newCommand(ctx)
	if err != nil {
		return outcomeFatal, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return outcomeFatal, errors.Wrap(err, errors.KindInternal, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return outcomeFatal, errors.Wrap(err, errors.KindInternal, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return outcomeFatal, errors.Wrap(err, errors.KindFatal, "starting driver subprocess")
	}
	atomic.AddUint32(&d.spawned, 1)

	// Guarantees the subprocess dies on any abnormal unwind of this
	// scope, unless it has already exited.
	defer func() {
		if cmd.ProcessState == nil && cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}()

	var connFailed atomic.Bool
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		d.pumpStdout(stdout)
	}()
	go func() {
		defer wg.Done()
		d.pumpStderr(stderr, func() {
			connFailed.Store(true)
			_ = cmd.Process.Signal(syscall.SIGTERM)
		})
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	return d.classifyExit(waitErr, connFailed.Load())
}

func (d *Driver) pumpStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if stripped, known := StripLinePrefix(line); known {
			d.logger.Info(stripped)
		} else {
			d.logger.Debug(line)
		}
	}
}

func (d *Driver) pumpStderr(r io.Reader, onConnFailure func()) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		d.logger.Debug(line)
		if strings.Contains(line, connectionFailureSignature) {
			d.logger.Warn("driver reported a protocol connection timeout")
			onConnFailure()
		}
	}
}

// classifyExit maps a subprocess exit to an outcome. A SIGTERM death is a
// deliberate kill, not a failure: it is the expected result of this same
// driver killing its subprocess during connection-failure recovery.
func (d *Driver) classifyExit(waitErr error, connFailed bool) (outcome, error) {
	if connFailed {
		return outcomeConnectionFailure, errors.New(errors.KindConnection,
			"driver could not attach to the debug protocol in time")
	}
	if waitErr == nil {
		return outcomeSuccess, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() && ws.Signal() == syscall.SIGTERM {
				d.logger.Info("driver subprocess terminated externally")
				return outcomeSuccess, nil
			}
		}
		// Shells report a SIGTERM death as 128+15.
		if exitErr.ExitCode() == 143 {
			d.logger.Info("driver subprocess terminated externally")
			return outcomeSuccess, nil
		}
		return outcomeFatal, errors.Wrapf(waitErr, errors.KindFatal,
			"driver subprocess exited with code %d", exitErr.ExitCode())
	}
	return outcomeFatal, errors.Wrap(waitErr, errors.KindFatal, "driver subprocess failed")
}

// String renders the configured invocation for debug logging.
func (d *Driver) String() string {
	args, err := d.opts.BuildArgs()
	if err != nil {
		return d.opts.Tool + " <invalid options>"
	}
	return fmt.Sprintf("%s %s", d.opts.Tool, strings.Join(args, " "))
}
