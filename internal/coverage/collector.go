// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coverage

import (
	"bufio"
	"context"
	"os"
	"strings"

	"grimm.is/patrolcov/internal/logging"
)

// Session is the slice of the protocol client the collector needs.
type Session interface {
	Isolates(ctx context.Context) ([]string, error)
	Pause(ctx context.Context, isolateID string) error
	Resume(ctx context.Context, isolateID string) error
	SourceReport(ctx context.Context, isolateID string, packages []string) ([]byte, error)
	NotifyTestCompleted(ctx context.Context, isolateID string) error
}

// Collector pulls one run's coverage out of an attached session.
type Collector struct {
	targetPackage string
	packageRoot   string
	logger        *logging.Logger
}

// NewCollector creates a Collector for the given target package.
// packageRoot is used to locate sources for ignore-comment filtering.
func NewCollector(targetPackage, packageRoot string, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Collector{
		targetPackage: targetPackage,
		packageRoot:   packageRoot,
		logger:        logger.WithComponent("collector"),
	}
}

// Collect drives one pause/extract/resume/notify cycle and returns the
// run's hit map. The step order is fixed: pausing before extraction stops
// isolates racing the sampler; resuming only the main isolate before the
// notify lets the test proceed while background isolates stay paused
// until the next cycle's sweep.
func (c *Collector) Collect(ctx context.Context, sess Session, mainIsolateID string) (HitMap, error) {
	isolates, err := sess.Isolates(ctx)
	if err != nil {
		return nil, err
	}

	for _, id := range isolates {
		if err := sess.Pause(ctx, id); err != nil {
			// Isolates not yet running or already stopped refuse the
			// pause; collection stays valid without them.
			c.logger.Warn("failed to pause isolate", "isolate", id, "error", err)
		}
	}

	raw, err := sess.SourceReport(ctx, mainIsolateID, []string{c.targetPackage})
	if err != nil {
		return nil, err
	}

	if err := sess.Resume(ctx, mainIsolateID); err != nil {
		c.logger.Warn("failed to resume main isolate", "isolate", mainIsolateID, "error", err)
	}

	if err := sess.NotifyTestCompleted(ctx, mainIsolateID); err != nil {
		c.logger.Warn("test completion notify failed", "isolate", mainIsolateID, "error", err)
	}

	hm, err := ParseSourceReport(raw)
	if err != nil {
		return nil, err
	}
	filterIgnored(hm, c.packageRoot)
	return hm, nil
}

// Ignore markers recognized in source comments, matching the Dart
// coverage tooling conventions.
const (
	ignoreLineMarker  = "// coverage:ignore-line"
	ignoreStartMarker = "// coverage:ignore-start"
	ignoreEndMarker   = "// coverage:ignore-end"
	ignoreFileMarker  = "// coverage:ignore-file"
)

// filterIgnored drops lines and files excluded by ignore comments. Files
// whose source cannot be read pass through unfiltered.
func filterIgnored(hm HitMap, packageRoot string) {
	for uri, lines := range hm {
		path := ResolveSourcePath(uri, packageRoot)
		if path == "" {
			continue
		}
		ignored, wholeFile := ignoredLines(path)
		if wholeFile {
			delete(hm, uri)
			continue
		}
		for line := range ignored {
			delete(lines, line)
		}
		if len(lines) == 0 {
			delete(hm, uri)
		}
	}
}

// ignoredLines scans a source file for ignore markers. It returns the set
// of ignored line numbers (1-based) and whether the whole file is ignored.
func ignoredLines(path string) (map[int]bool, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	ignored := make(map[int]bool)
	inBlock := false
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		switch {
		case strings.Contains(text, ignoreFileMarker):
			return nil, true
		case strings.Contains(text, ignoreStartMarker):
			inBlock = true
			ignored[lineNo] = true
		case strings.Contains(text, ignoreEndMarker):
			inBlock = false
			ignored[lineNo] = true
		case inBlock || strings.Contains(text, ignoreLineMarker):
			ignored[lineNo] = true
		}
	}
	return ignored, false
}
