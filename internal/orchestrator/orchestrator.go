// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package orchestrator binds the collection pipeline: it watches the
// device log for service URIs, exposes and attaches to each booted app
// instance, and drives the collect/merge cycle until the expected number
// of runs has been gathered, then writes the final report.
package orchestrator

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"grimm.is/patrolcov/internal/coverage"
	"grimm.is/patrolcov/internal/errors"
	"grimm.is/patrolcov/internal/logging"
	"grimm.is/patrolcov/internal/logwatch"
	"grimm.is/patrolcov/internal/vmproto"
)

// State names the orchestrator's position in its run lifecycle. Attaches
// proceed concurrently within WatchingLogs; each owns its own sequential
// event handling.
type State int

const (
	StateIdle State = iota
	StateWatchingLogs
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatchingLogs:
		return "watching-logs"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Session is the protocol surface one attach needs.
type Session interface {
	coverage.Session
	Subscribe(ctx context.Context, streamID string) error
	Events() <-chan vmproto.RunEvent
	Close() error
}

// Dialer attaches to a service URI. The default wraps vmproto.Attach.
type Dialer func(ctx context.Context, serviceURI string) (Session, error)

// Exposer makes a device-local port reachable from the host.
type Exposer interface {
	Expose(ctx context.Context, guestPort int) (int, error)
}

// Options configures an orchestrator run.
type Options struct {
	TargetPackage string
	PackageRoot   string
	IgnoreGlobs   []string
	ReportDir     string // empty means coverage.ReportDirName
}

// Orchestrator owns the run's shared state: the aggregate hit map and
// the completed-run counter, both written only under mu.
type Orchestrator struct {
	opts      Options
	logs      LogSource
	exposer   Exposer
	dial      Dialer
	collector *coverage.Collector
	logger    *logging.Logger

	mu            sync.Mutex
	state         State
	expectedRuns  uint
	completedRuns uint

	aggregate *coverage.Aggregate

	drainOnce  sync.Once
	cancelRun  context.CancelFunc
	reportPath string
	reportErr  error
}

// New creates an Orchestrator.
func New(opts Options, logs LogSource, exposer Exposer, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	o := &Orchestrator{
		opts:      opts,
		logs:      logs,
		exposer:   exposer,
		logger:    logger.WithComponent("orchestrator"),
		collector: coverage.NewCollector(opts.TargetPackage, opts.PackageRoot, logger),
		aggregate: coverage.NewAggregate(),
	}
	o.dial = func(ctx context.Context, serviceURI string) (Session, error) {
		return vmproto.Attach(ctx, serviceURI, logger)
	}
	return o
}

// SetDialer replaces the attach function, for tests.
func (o *Orchestrator) SetDialer(d Dialer) { o.dial = d }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Progress returns completed and expected run counts; expected is zero
// until learned.
func (o *Orchestrator) Progress() (completed, expected uint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completedRuns, o.expectedRuns
}

// ReportPath returns where the final report was written, once Done.
func (o *Orchestrator) ReportPath() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reportPath
}

// Run executes the whole pipeline. It returns once the report has been
// written, the log stream ends, or ctx is cancelled. Failures inside a
// single attach never abort the run; they are logged and the attach is
// abandoned.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancelRun = cancel

	stream, err := o.logs.Start(runCtx)
	if err != nil {
		return err
	}
	o.setState(StateWatchingLogs)

	watcher := logwatch.New(stream, o.logger)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// A scanner error here usually just means the log subprocess
		// was killed at drain; Run sorts that out below.
		return watcher.Run(gctx)
	})

	var attaches sync.WaitGroup
	for uri := range watcher.URIs() {
		attaches.Add(1)
		uri := uri
		go func() {
			defer attaches.Done()
			o.handleBoot(gctx, uri)
		}()
	}

	watchErr := g.Wait()
	attaches.Wait()

	if o.State() == StateDone {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.reportErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if watchErr != nil && !errors.Is(watchErr, context.Canceled) {
		return errors.Wrap(watchErr, errors.KindFatal, "device log stream failed")
	}
	return errors.New(errors.KindFatal, "device log stream ended before all runs were collected")
}

// handleBoot runs the expose/attach/subscribe sequence for one detected
// service URI, then handles its events sequentially. All failures abandon
// this attach only.
func (o *Orchestrator) handleBoot(ctx context.Context, serviceURI string) {
	attachID := uuid.NewString()[:8]
	logger := o.logger.With("attach", attachID)
	logger.Info("app instance booted", "uri", serviceURI)

	portStr, ok := logwatch.Port(serviceURI)
	if !ok {
		logger.Error("service uri has no port segment", "uri", serviceURI)
		return
	}
	guestPort, err := strconv.Atoi(portStr)
	if err != nil {
		logger.Error("service uri port is not numeric", "port", portStr)
		return
	}

	hostPort, err := o.exposer.Expose(ctx, guestPort)
	if err != nil {
		// Unsupported platforms and exposure misses abandon this attach;
		// the next log line is still processed.
		logger.Error("port exposure failed, abandoning attach", "error", err)
		return
	}

	localURI, err := rewriteHost(serviceURI, hostPort)
	if err != nil {
		logger.Error("rewriting service uri failed", "error", err)
		return
	}

	sess, err := o.dial(ctx, localURI)
	if err != nil {
		logger.Error("protocol attach failed, abandoning attach", "error", err)
		return
	}

	if err := sess.Subscribe(ctx, vmproto.StreamExtension); err != nil {
		// Cannot proceed without the event channel.
		logger.Error("event subscription failed, abandoning attach", "error", err)
		sess.Close()
		return
	}
	logger.Info("attached", "uri", localURI)

	o.handleEvents(ctx, sess, logger)
}

// handleEvents processes one attach's events. The collect/merge sequence
// for this attach is strictly sequential; the session is disposed exactly
// once, when the attach's collection handling completes or the stream ends.
func (o *Orchestrator) handleEvents(ctx context.Context, sess Session, logger *logging.Logger) {
	defer sess.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sess.Events():
			if !open {
				logger.Debug("session ended without a collection request")
				return
			}
			switch ev := ev.(type) {
			case vmproto.RunCountLearned:
				o.learnRunCount(ev.Count, logger)
			case vmproto.CollectionRequested:
				complete := o.handleCollection(ctx, sess, ev.MainIsolateID, logger)
				sess.Close()
				if complete {
					o.drain()
				}
				return
			}
		}
	}
}

// learnRunCount records the expected total once; first value wins.
func (o *Orchestrator) learnRunCount(count uint, logger *logging.Logger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.expectedRuns != 0 {
		logger.Debug("run count already known, ignoring", "count", count)
		return
	}
	o.expectedRuns = count
	logger.Info("expecting test runs", "count", count)
}

// handleCollection runs one collect/merge cycle and reports whether the
// run is now complete.
func (o *Orchestrator) handleCollection(ctx context.Context, sess Session, mainIsolateID string, logger *logging.Logger) bool {
	hm, err := o.collector.Collect(ctx, sess, mainIsolateID)
	if err != nil {
		logger.Error("coverage collection failed for this run", "error", err)
		return false
	}

	o.aggregate.Merge(hm)

	o.mu.Lock()
	o.completedRuns++
	completed, expected := o.completedRuns, o.expectedRuns
	o.mu.Unlock()

	if expected == 0 {
		logger.Info("collected run", "completed", completed, "expected", "unknown")
	} else {
		logger.Info("collected run", "completed", completed, "expected", expected)
	}

	return coverage.IsComplete(completed, expected)
}

// drain finishes the run: the log subprocess is killed exactly once, the
// report rendered and persisted exactly once.
func (o *Orchestrator) drain() {
	o.drainOnce.Do(func() {
		o.setState(StateDraining)
		o.logger.Info("all coverage gathered, saving report")

		o.logs.Stop()

		report, err := o.aggregate.Render(o.opts.PackageRoot, o.opts.IgnoreGlobs)
		if err == nil {
			var path string
			path, err = coverage.WriteReport(o.opts.ReportDir, report)
			o.mu.Lock()
			o.reportPath = path
			o.mu.Unlock()
		}

		o.mu.Lock()
		o.reportErr = err
		o.state = StateDone
		o.mu.Unlock()

		if err != nil {
			o.logger.Error("writing coverage report failed", "error", err)
		} else {
			o.logger.Info("coverage report written", "path", o.ReportPath())
		}

		if o.cancelRun != nil {
			o.cancelRun()
		}
	})
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("state transition", "from", prev.String(), "to", s.String())
}

// rewriteHost points a service URI at the host side of the exposed port.
func rewriteHost(serviceURI string, hostPort int) (string, error) {
	u, err := url.Parse(serviceURI)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindValidation, "parsing service uri %q", serviceURI)
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	u.Host = net.JoinHostPort(host, strconv.Itoa(hostPort))
	return u.String(), nil
}
