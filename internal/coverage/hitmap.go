// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package coverage turns raw VM source reports into per-line hit maps,
// aggregates them across test runs and renders the final lcov report.
package coverage

import (
	"encoding/json"
	"sync"

	"grimm.is/patrolcov/internal/errors"
)

// HitMap maps a source identifier (script URI) to per-line hit counts.
// One HitMap is produced per collection and discarded after merging.
type HitMap map[string]map[int]int

// merge adds other's counts into h. Addition per file/line key makes the
// operation commutative and associative across any merge order.
func (h HitMap) merge(other HitMap) {
	for file, lines := range other {
		dst, ok := h[file]
		if !ok {
			dst = make(map[int]int, len(lines))
			h[file] = dst
		}
		for line, count := range lines {
			dst[line] += count
		}
	}
}

// Aggregate is the running union of all HitMaps seen so far. Merges are
// serialized internally; attach handlers run on separate goroutines.
type Aggregate struct {
	mu    sync.Mutex
	files HitMap
}

// NewAggregate creates an empty aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{files: make(HitMap)}
}

// Merge folds one run's hit map into the aggregate.
func (a *Aggregate) Merge(h HitMap) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files.merge(h)
}

// Snapshot returns a deep copy of the aggregate state.
func (a *Aggregate) Snapshot() HitMap {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(HitMap, len(a.files))
	out.merge(a.files)
	return out
}

// IsComplete reports whether every expected run has been collected. An
// expected count of zero means the total is not yet known.
func IsComplete(completed, expected uint) bool {
	return expected != 0 && completed == expected
}

// sourceReport mirrors the wire shape of a VM coverage source report with
// reportLines enabled: hits and misses carry line numbers.
type sourceReport struct {
	Ranges []struct {
		ScriptIndex int  `json:"scriptIndex"`
		Compiled    bool `json:"compiled"`
		Coverage    *struct {
			Hits   []int `json:"hits"`
			Misses []int `json:"misses"`
		} `json:"coverage"`
	} `json:"ranges"`
	Scripts []struct {
		URI string `json:"uri"`
	} `json:"scripts"`
}

// ParseSourceReport decodes a raw coverage payload into a HitMap. Hit
// lines count 1 per report; missed lines are recorded with a zero count
// so they appear in the final report as uncovered.
func ParseSourceReport(raw []byte) (HitMap, error) {
	var rep sourceReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, errors.Wrap(err, errors.KindProtocol, "decoding source report")
	}

	hm := make(HitMap)
	for _, r := range rep.Ranges {
		if !r.Compiled || r.Coverage == nil {
			continue
		}
		if r.ScriptIndex < 0 || r.ScriptIndex >= len(rep.Scripts) {
			continue
		}
		uri := rep.Scripts[r.ScriptIndex].URI
		lines, ok := hm[uri]
		if !ok {
			lines = make(map[int]int)
			hm[uri] = lines
		}
		for _, line := range r.Coverage.Hits {
			lines[line]++
		}
		for _, line := range r.Coverage.Misses {
			if _, seen := lines[line]; !seen {
				lines[line] = 0
			}
		}
	}
	return hm, nil
}
