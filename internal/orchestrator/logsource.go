// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"grimm.is/patrolcov/internal/devicebridge"
	"grimm.is/patrolcov/internal/errors"
)

// LogSource produces the device's line-oriented log stream. Stop must be
// safe to call at most the orchestrator's drain path expects: exactly once
// for the whole run.
type LogSource interface {
	// Start begins the stream and returns its reader. The reader ends
	// when the source stops or the underlying subprocess exits.
	Start(ctx context.Context) (io.Reader, error)
	// Stop terminates the stream.
	Stop()
}

// commandLogSource runs a log-producing subprocess and streams its stdout.
type commandLogSource struct {
	name string
	args []string

	mu  sync.Mutex
	cmd *exec.Cmd

	stopOnce sync.Once
}

// NewLogSource builds the platform's log subprocess: adb logcat on
// Android, flutter logs elsewhere.
func NewLogSource(platform devicebridge.Platform, deviceID string) LogSource {
	var name string
	var args []string
	if platform == devicebridge.PlatformAndroid {
		name = "adb"
		if deviceID != "" {
			args = append(args, "-s", deviceID)
		}
		args = append(args, "logcat")
	} else {
		name = "flutter"
		args = append(args, "logs")
		if deviceID != "" {
			args = append(args, "-d", deviceID)
		}
	}
	return &commandLogSource{name: name, args: args}
}

func (s *commandLogSource) Start(ctx context.Context) (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil, errors.New(errors.KindInternal, "log source already started")
	}

	cmd := exec.CommandContext(ctx, s.name, s.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "log subprocess stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, errors.KindFatal, "starting %s", s.name)
	}
	s.cmd = cmd

	// Wait must not run while the pipe is still being read, or trailing
	// buffered lines can be lost when the subprocess exits on its own.
	return &reapOnEOF{r: stdout, reap: func() { _ = cmd.Wait() }}, nil
}

// reapOnEOF defers subprocess reaping until the stream consumer has
// drained the pipe.
type reapOnEOF struct {
	r    io.Reader
	reap func()
	once sync.Once
}

func (r *reapOnEOF) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil {
		r.once.Do(r.reap)
	}
	return n, err
}

func (s *commandLogSource) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	})
}
