// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vmproto

// RunEvent is an event observed on the Extension stream during one test
// session. Exactly two kinds matter to the orchestrator; everything else
// on the stream is ignored.
type RunEvent interface {
	isRunEvent()
}

// RunCountLearned reports the total number of test runs the instrumented
// app will perform. Emitted once, early; the first value wins.
type RunCountLearned struct {
	Count uint
}

func (RunCountLearned) isRunEvent() {}

// CollectionRequested signals that the app finished a test and its main
// isolate is ready for coverage extraction.
type CollectionRequested struct {
	MainIsolateID string
}

func (CollectionRequested) isRunEvent() {}

// Extension event kinds produced by the instrumented app.
const (
	extensionKindRunCount = "patrol.coverage.runCount"
	extensionKindCollect  = "patrol.coverage.collect"
)
