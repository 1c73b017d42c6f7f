// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logwatch extracts debug-protocol service URIs from a device log
// stream. The only contract consumed is the runtime's boot announcement
// line, "... listening on <uri>"; everything else is noise.
package logwatch

import (
	"bufio"
	"context"
	"io"
	"regexp"

	"grimm.is/patrolcov/internal/logging"
)

// A service URI appears once per app boot. Older runtime/test-framework
// combinations also boot a throwaway warm-up instance first, so boot count
// must never be used to infer the number of test runs.
var (
	uriRe   = regexp.MustCompile(`listening on (https?://[^\s]+)`)
	portRe  = regexp.MustCompile(`:(\d+)/`)
	tokenRe = regexp.MustCompile(`:\d+/([^/\s]+)/?`)
)

// ExtractURI returns the service URI announced on a log line, if any.
// Lines without the announcement produce no effect.
func ExtractURI(line string) (string, bool) {
	m := uriRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Port returns the numeric port segment of a service URI.
func Port(uri string) (string, bool) {
	m := portRe.FindStringSubmatch(uri)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// AuthToken returns the authentication token path segment that follows the
// port in a service URI.
func AuthToken(uri string) (string, bool) {
	m := tokenRe.FindStringSubmatch(uri)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Watcher consumes an unbounded line stream and emits one service URI per
// boot announcement it sees.
type Watcher struct {
	r      io.Reader
	uris   chan string
	logger *logging.Logger
}

// New creates a Watcher over r.
func New(r io.Reader, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Watcher{
		r:      r,
		uris:   make(chan string),
		logger: logger.WithComponent("logwatch"),
	}
}

// URIs is the channel of detected service URIs. It is closed when the
// underlying stream ends.
func (w *Watcher) URIs() <-chan string {
	return w.uris
}

// Run reads lines until the stream ends or ctx is cancelled. It returns the
// scanner's error, if any; a plain EOF is a clean nil return.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.uris)

	scanner := bufio.NewScanner(w.r)
	// Device logs can carry very long lines (stack traces, base64 blobs).
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		uri, ok := ExtractURI(scanner.Text())
		if !ok {
			continue
		}
		w.logger.Debug("service uri detected", "uri", uri)
		select {
		case w.uris <- uri:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
