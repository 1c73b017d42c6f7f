// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vmproto

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceWSURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://127.0.0.1:9100/abc123/", "ws://127.0.0.1:9100/abc123/ws", false},
		{"http://127.0.0.1:9100/abc123", "ws://127.0.0.1:9100/abc123/ws", false},
		{"https://127.0.0.1:9100/abc123/", "wss://127.0.0.1:9100/abc123/ws", false},
		{"ws://127.0.0.1:9100/abc123/ws", "ws://127.0.0.1:9100/abc123/ws", false},
		{"ftp://127.0.0.1:9100/", "", true},
	}
	for _, c := range cases {
		got, err := ServiceWSURL(c.in)
		if c.wantErr {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

// fakeVMService is a minimal in-process VM service endpoint. It answers
// the RPCs the client uses and can push extension events.
type fakeVMService struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       []*websocket.Conn
	calls       []string
	streamsSeen []string
	isolates    []string
	sourceRept  string
}

func newFakeVMService(t *testing.T) *fakeVMService {
	return &fakeVMService{
		t:          t,
		isolates:   []string{"isolates/1", "isolates/2"},
		sourceRept: `{"type":"SourceReport","ranges":[],"scripts":[]}`,
	}
}

func (f *fakeVMService) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, req.Method)
		f.mu.Unlock()

		switch req.Method {
		case "streamListen":
			var p struct {
				StreamID string `json:"streamId"`
			}
			json.Unmarshal(req.Params, &p)
			f.mu.Lock()
			f.streamsSeen = append(f.streamsSeen, p.StreamID)
			f.mu.Unlock()
			f.respond(conn, req.ID, `{"type":"Success"}`)
		case "getVM":
			f.mu.Lock()
			isolates := f.isolates
			f.mu.Unlock()
			parts := make([]string, len(isolates))
			for i, id := range isolates {
				parts[i] = `{"id":"` + id + `"}`
			}
			f.respond(conn, req.ID, `{"type":"VM","isolates":[`+strings.Join(parts, ",")+`]}`)
		case "pause", "resume":
			f.respond(conn, req.ID, `{"type":"Success"}`)
		case "getSourceReport":
			f.mu.Lock()
			rep := f.sourceRept
			f.mu.Unlock()
			f.respond(conn, req.ID, rep)
		default:
			conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": -32601, "message": "method not found"},
			})
		}
	}
}

func (f *fakeVMService) respond(conn *websocket.Conn, id int64, result string) {
	conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": id,
		"result": json.RawMessage(result),
	})
}

func (f *fakeVMService) pushExtensionEvent(kind string, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		f.t.Fatal("no connection to push event on")
	}
	f.conns[0].WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "streamNotify",
		"params": json.RawMessage(`{"streamId":"Extension","event":{"kind":"Extension","extensionKind":"` +
			kind + `","extensionData":` + data + `,"isolate":{"id":"isolates/1"}}}`),
	})
}

func (f *fakeVMService) methodCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func startFake(t *testing.T) (*fakeVMService, *Client) {
	t.Helper()
	fake := newFakeVMService(t)
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	// The fake serves the ws endpoint directly at /token/ws.
	serviceURI := srv.URL + "/token/"
	client, err := Attach(context.Background(), serviceURI, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return fake, client
}

func TestAttachAndRPCs(t *testing.T) {
	fake, client := startFake(t)
	ctx := context.Background()

	ids, err := client.Isolates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"isolates/1", "isolates/2"}, ids)

	require.NoError(t, client.Pause(ctx, "isolates/1"))
	require.NoError(t, client.Resume(ctx, "isolates/1"))

	raw, err := client.SourceReport(ctx, "isolates/1", []string{"myapp"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "SourceReport")

	assert.Equal(t, []string{"getVM", "pause", "resume", "getSourceReport"}, fake.methodCalls())
}

func TestSubscribeIdempotent(t *testing.T) {
	fake, client := startFake(t)
	ctx := context.Background()

	require.NoError(t, client.Subscribe(ctx, StreamExtension))
	require.NoError(t, client.Subscribe(ctx, StreamExtension))

	fake.mu.Lock()
	seen := len(fake.streamsSeen)
	fake.mu.Unlock()
	assert.Equal(t, 1, seen, "second Subscribe must not hit the wire")
}

func TestEventDispatch(t *testing.T) {
	fake, client := startFake(t)
	ctx := context.Background()
	require.NoError(t, client.Subscribe(ctx, StreamExtension))

	fake.pushExtensionEvent("patrol.coverage.runCount", `{"count":5}`)
	fake.pushExtensionEvent("some.other.extension", `{}`)
	fake.pushExtensionEvent("patrol.coverage.collect", `{"mainIsolateId":"isolates/main"}`)

	var got []RunEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-client.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}

	require.IsType(t, RunCountLearned{}, got[0])
	assert.Equal(t, uint(5), got[0].(RunCountLearned).Count)

	require.IsType(t, CollectionRequested{}, got[1])
	assert.Equal(t, "isolates/main", got[1].(CollectionRequested).MainIsolateID)
}

func TestCollectEventFallsBackToEventIsolate(t *testing.T) {
	fake, client := startFake(t)
	require.NoError(t, client.Subscribe(context.Background(), StreamExtension))

	fake.pushExtensionEvent("patrol.coverage.collect", `{}`)

	select {
	case ev := <-client.Events():
		req, ok := ev.(CollectionRequested)
		require.True(t, ok)
		assert.Equal(t, "isolates/1", req.MainIsolateID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestNotifyTestCompleted(t *testing.T) {
	received := make(chan map[string]any, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err == nil {
			received <- frame
		}
		conn.Close()
	}))
	defer srv.Close()

	client := &Client{wsURL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	require.NoError(t, client.NotifyTestCompleted(context.Background(), "isolates/main"))

	select {
	case frame := <-received:
		assert.Equal(t, "2.0", frame["jsonrpc"])
		assert.Equal(t, float64(21), frame["id"])
		assert.Equal(t, "ext.patrol.markTestCompleted", frame["method"])
		params := frame["params"].(map[string]any)
		assert.Equal(t, "isolates/main", params["isolateId"])
		assert.Equal(t, "markTestCompleted", params["command"])
	case <-time.After(2 * time.Second):
		t.Fatal("notify frame never arrived")
	}
}

func TestCloseFailsPendingAndClosesEvents(t *testing.T) {
	_, client := startFake(t)
	require.NoError(t, client.Close())

	_, err := client.Isolates(context.Background())
	require.Error(t, err)

	select {
	case _, open := <-client.Events():
		assert.False(t, open, "events channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after Close")
	}
}
