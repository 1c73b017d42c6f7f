// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coverage

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"grimm.is/patrolcov/internal/errors"
)

// Report artifact location, relative to the invocation's working directory.
const (
	ReportDirName  = "coverage"
	ReportFileName = "patrol_lcov.info"
)

// ResolveSourcePath maps a script URI to a filesystem path under
// packageRoot. package: URIs resolve into lib/; file: URIs resolve to
// their own path; anything else (dart: core libraries) yields "".
func ResolveSourcePath(uri, packageRoot string) string {
	switch {
	case strings.HasPrefix(uri, "package:"):
		rest := strings.TrimPrefix(uri, "package:")
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return ""
		}
		return filepath.Join(packageRoot, "lib", filepath.FromSlash(rest[slash+1:]))
	case strings.HasPrefix(uri, "file://"):
		u, err := url.Parse(uri)
		if err != nil {
			return ""
		}
		return filepath.FromSlash(u.Path)
	default:
		return ""
	}
}

// Render formats the aggregate as an lcov report. Pure given its inputs:
// files sorted by path, lines ascending, so identical aggregate state
// renders byte-identical output. Files matching an ignore glob or without
// a resolvable path are excluded.
func (a *Aggregate) Render(packageRoot string, ignoreGlobs []string) (string, error) {
	globs := make([]glob.Glob, 0, len(ignoreGlobs))
	for _, pattern := range ignoreGlobs {
		g, err := glob.Compile(pattern)
		if err != nil {
			return "", errors.Wrapf(err, errors.KindValidation, "compiling ignore glob %q", pattern)
		}
		globs = append(globs, g)
	}

	snapshot := a.Snapshot()

	type fileEntry struct {
		path  string
		lines map[int]int
	}
	files := make([]fileEntry, 0, len(snapshot))
	for uri, lines := range snapshot {
		path := ResolveSourcePath(uri, packageRoot)
		if path == "" {
			continue
		}
		rel, err := filepath.Rel(packageRoot, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)
		if matchesAny(globs, rel) {
			continue
		}
		files = append(files, fileEntry{path: path, lines: lines})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })

	var b strings.Builder
	for _, f := range files {
		lineNos := make([]int, 0, len(f.lines))
		for line := range f.lines {
			lineNos = append(lineNos, line)
		}
		sort.Ints(lineNos)

		fmt.Fprintf(&b, "SF:%s\n", f.path)
		hit := 0
		for _, line := range lineNos {
			count := f.lines[line]
			if count > 0 {
				hit++
			}
			fmt.Fprintf(&b, "DA:%d,%d\n", line, count)
		}
		fmt.Fprintf(&b, "LF:%d\n", len(lineNos))
		fmt.Fprintf(&b, "LH:%d\n", hit)
		b.WriteString("end_of_record\n")
	}
	return b.String(), nil
}

func matchesAny(globs []glob.Glob, path string) bool {
	for _, g := range globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// WriteReport persists the rendered report under dir, creating the
// directory if absent and overwriting any prior report.
func WriteReport(dir, report string) (string, error) {
	if dir == "" {
		dir = ReportDirName
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, errors.KindInternal, "creating report directory %s", dir)
	}
	path := filepath.Join(dir, ReportFileName)
	if err := os.WriteFile(path, []byte(report), 0644); err != nil {
		return "", errors.Wrapf(err, errors.KindInternal, "writing report %s", path)
	}
	return path, nil
}
