// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coverage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/patrolcov/internal/errors"
)

// scriptedSession records the call sequence and serves canned responses.
type scriptedSession struct {
	isolates    []string
	report      string
	pauseErrs   map[string]error
	resumeErr   error
	notifyErr   error
	isolatesErr error
	reportErr   error

	calls []string
}

func (s *scriptedSession) Isolates(context.Context) ([]string, error) {
	s.calls = append(s.calls, "isolates")
	return s.isolates, s.isolatesErr
}

func (s *scriptedSession) Pause(_ context.Context, id string) error {
	s.calls = append(s.calls, "pause:"+id)
	return s.pauseErrs[id]
}

func (s *scriptedSession) Resume(_ context.Context, id string) error {
	s.calls = append(s.calls, "resume:"+id)
	return s.resumeErr
}

func (s *scriptedSession) SourceReport(_ context.Context, id string, packages []string) ([]byte, error) {
	s.calls = append(s.calls, fmt.Sprintf("report:%s:%v", id, packages))
	if s.reportErr != nil {
		return nil, s.reportErr
	}
	return []byte(s.report), nil
}

func (s *scriptedSession) NotifyTestCompleted(_ context.Context, id string) error {
	s.calls = append(s.calls, "notify:"+id)
	return s.notifyErr
}

func minimalReport(uri string) string {
	return `{
		"ranges": [{"scriptIndex": 0, "compiled": true, "coverage": {"hits": [1, 2], "misses": [3]}}],
		"scripts": [{"uri": "` + uri + `"}]
	}`
}

func TestCollectStepOrder(t *testing.T) {
	sess := &scriptedSession{
		isolates: []string{"isolates/1", "isolates/2"},
		report:   minimalReport("package:app/a.dart"),
	}
	c := NewCollector("app", t.TempDir(), nil)

	hm, err := c.Collect(context.Background(), sess, "isolates/1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"isolates",
		"pause:isolates/1",
		"pause:isolates/2",
		"report:isolates/1:[app]",
		"resume:isolates/1",
		"notify:isolates/1",
	}, sess.calls, "the six steps must run in this order")

	assert.Equal(t, HitMap{"package:app/a.dart": {1: 1, 2: 1, 3: 0}}, hm)
}

func TestCollectToleratesPauseResumeNotifyFailures(t *testing.T) {
	sess := &scriptedSession{
		isolates:  []string{"isolates/1", "isolates/2"},
		report:    minimalReport("package:app/a.dart"),
		pauseErrs: map[string]error{"isolates/2": errors.New(errors.KindProtocol, "isolate exited")},
		resumeErr: errors.New(errors.KindProtocol, "resume refused"),
		notifyErr: errors.New(errors.KindProtocol, "socket closed"),
	}
	c := NewCollector("app", t.TempDir(), nil)

	hm, err := c.Collect(context.Background(), sess, "isolates/1")
	require.NoError(t, err, "per-isolate and notify failures must not abort collection")
	assert.NotEmpty(t, hm)
	assert.Contains(t, sess.calls, "notify:isolates/1", "notify still fires after resume failure")
}

func TestCollectFatalOnSnapshotOrExtractionFailure(t *testing.T) {
	c := NewCollector("app", t.TempDir(), nil)

	sess := &scriptedSession{isolatesErr: errors.New(errors.KindProtocol, "vm gone")}
	_, err := c.Collect(context.Background(), sess, "isolates/1")
	require.Error(t, err)

	sess = &scriptedSession{
		isolates:  []string{"isolates/1"},
		reportErr: errors.New(errors.KindProtocol, "extraction failed"),
	}
	_, err = c.Collect(context.Background(), sess, "isolates/1")
	require.Error(t, err)
	// Extraction failure happens before resume; nothing after it runs.
	assert.NotContains(t, sess.calls, "resume:isolates/1")
	assert.NotContains(t, sess.calls, "notify:isolates/1")
}

func writeSource(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, "lib", rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestCollectAppliesIgnoreComments(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "a.dart", `line one
covered(); // coverage:ignore-line
// coverage:ignore-start
inBlock();
// coverage:ignore-end
after();
`)

	sess := &scriptedSession{
		isolates: []string{"isolates/1"},
		report: `{
			"ranges": [{"scriptIndex": 0, "compiled": true,
				"coverage": {"hits": [1, 2, 4, 6], "misses": []}}],
			"scripts": [{"uri": "package:app/a.dart"}]
		}`,
	}
	c := NewCollector("app", root, nil)

	hm, err := c.Collect(context.Background(), sess, "isolates/1")
	require.NoError(t, err)

	assert.Equal(t, HitMap{"package:app/a.dart": {1: 1, 6: 1}}, hm,
		"ignore-line and ignore-start/end ranges must be dropped")
}

func TestCollectIgnoreFile(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "gen.dart", "// coverage:ignore-file\nvar x = 1;\n")

	sess := &scriptedSession{
		isolates: []string{"isolates/1"},
		report:   minimalReport("package:app/gen.dart"),
	}
	c := NewCollector("app", root, nil)

	hm, err := c.Collect(context.Background(), sess, "isolates/1")
	require.NoError(t, err)
	assert.Empty(t, hm)
}

func TestCollectUnreadableSourcePassesThrough(t *testing.T) {
	sess := &scriptedSession{
		isolates: []string{"isolates/1"},
		report:   minimalReport("package:app/missing.dart"),
	}
	c := NewCollector("app", t.TempDir(), nil)

	hm, err := c.Collect(context.Background(), sess, "isolates/1")
	require.NoError(t, err)
	assert.Contains(t, hm, "package:app/missing.dart")
}
