// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package vmproto wraps the Dart VM service protocol for a single attach:
// JSON-RPC over a websocket, plus the Extension event stream the
// instrumented app uses to steer collection.
package vmproto

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/patrolcov/internal/errors"
	"grimm.is/patrolcov/internal/logging"
)

// StreamExtension is the event stream carrying app-defined events.
const StreamExtension = "Extension"

// rpcErrStreamAlreadySubscribed is returned by streamListen for a stream
// this client already listens to; Subscribe treats it as success.
const rpcErrStreamAlreadySubscribed = 103

// markTestCompletedID is the fixed request id of the out-of-band
// notification frame. The frame is fire-and-forget; the id is never
// awaited, it only has to be present for the receiver's JSON-RPC parser.
const markTestCompletedID = 21

const notifyWriteTimeout = 5 * time.Second

// ServiceWSURL rewrites an HTTP-scheme service URI into the protocol's
// websocket endpoint: the scheme becomes its streaming variant and the
// fixed "ws" path segment is appended.
func ServiceWSURL(serviceURI string) (string, error) {
	u, err := url.Parse(serviceURI)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindValidation, "parsing service uri %q", serviceURI)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf(errors.KindValidation, "service uri %q has scheme %q", serviceURI, u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		u.Path += "ws"
	}
	return u.String(), nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// Client is one attach to one booted app instance. Safe for use from
// multiple goroutines; outbound writes are serialized internally.
type Client struct {
	wsURL  string
	conn   *websocket.Conn
	logger *logging.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[int64]chan rpcResult
	subscribed map[string]bool
	closed     bool

	nextID int64

	// events carries parsed Extension events. Buffered so the read pump
	// never deadlocks against a handler that is itself awaiting an RPC
	// response on the same connection.
	events chan RunEvent

	closeOnce sync.Once
	done      chan struct{}
}

// Attach dials the service URI's websocket endpoint and starts the read
// pump. Close must be called exactly once when the attach is finished.
func Attach(ctx context.Context, serviceURI string, logger *logging.Logger) (*Client, error) {
	wsURL, err := ServiceWSURL(serviceURI)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConnection, "dialing %s", wsURL)
	}

	c := &Client{
		wsURL:      wsURL,
		conn:       conn,
		logger:     logger.WithComponent("vmproto"),
		pending:    make(map[int64]chan rpcResult),
		subscribed: make(map[string]bool),
		events:     make(chan RunEvent, 64),
		done:       make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// WSURL returns the resolved websocket endpoint of this attach.
func (c *Client) WSURL() string {
	return c.wsURL
}

// Events is the stream of app-defined run events. Closed when the
// connection ends.
func (c *Client) Events() <-chan RunEvent {
	return c.events
}

// Close tears the session down. Idempotent; pending calls fail with a
// connection error.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readPump() {
	defer func() {
		c.failPending(errors.New(errors.KindConnection, "session closed"))
		close(c.events)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("read pump stopped", "error", err)
			}
			return
		}

		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("discarding unparseable frame", "error", err)
			continue
		}

		switch {
		case env.ID != nil:
			c.dispatchResponse(&env)
		case env.Method == "streamNotify":
			c.dispatchEvent(env.Params)
		}
	}
}

func (c *Client) dispatchResponse(env *rpcEnvelope) {
	c.mu.Lock()
	ch, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if env.Error != nil {
		ch <- rpcResult{err: env.Error}
		return
	}
	ch <- rpcResult{result: env.Result}
}

type streamNotifyParams struct {
	StreamID string `json:"streamId"`
	Event    struct {
		Kind          string          `json:"kind"`
		ExtensionKind string          `json:"extensionKind"`
		ExtensionData json.RawMessage `json:"extensionData"`
		Isolate       struct {
			ID string `json:"id"`
		} `json:"isolate"`
	} `json:"event"`
}

func (c *Client) dispatchEvent(raw json.RawMessage) {
	var p streamNotifyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Debug("discarding unparseable stream event", "error", err)
		return
	}
	if p.StreamID != StreamExtension || p.Event.Kind != "Extension" {
		return
	}

	var ev RunEvent
	switch p.Event.ExtensionKind {
	case extensionKindRunCount:
		var data struct {
			Count uint `json:"count"`
		}
		if err := json.Unmarshal(p.Event.ExtensionData, &data); err != nil {
			c.logger.Warn("malformed run count event", "error", err)
			return
		}
		ev = RunCountLearned{Count: data.Count}
	case extensionKindCollect:
		var data struct {
			MainIsolateID string `json:"mainIsolateId"`
		}
		if err := json.Unmarshal(p.Event.ExtensionData, &data); err != nil {
			c.logger.Warn("malformed collect event", "error", err)
			return
		}
		if data.MainIsolateID == "" {
			data.MainIsolateID = p.Event.Isolate.ID
		}
		ev = CollectionRequested{MainIsolateID: data.MainIsolateID}
	default:
		c.logger.Debug("ignoring extension event", "kind", p.Event.ExtensionKind)
		return
	}

	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcResult)
	c.closed = true
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- rpcResult{err: err}
	}
}

// call performs one JSON-RPC round trip. There is deliberately no internal
// timeout; the caller's ctx is the only bound.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan rpcResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New(errors.KindConnection, "session closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errors.Wrapf(err, errors.KindProtocol, "sending %s", method)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			var rpcErr *rpcError
			if errors.As(res.err, &rpcErr) {
				return nil, errors.Wrapf(res.err, errors.KindProtocol, "%s failed", method)
			}
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, errors.New(errors.KindConnection, "session closed")
	}
}

// Subscribe starts listening on the given event stream. Idempotent per
// client; a failure means the attach cannot proceed.
func (c *Client) Subscribe(ctx context.Context, streamID string) error {
	c.mu.Lock()
	already := c.subscribed[streamID]
	c.mu.Unlock()
	if already {
		return nil
	}

	_, err := c.call(ctx, "streamListen", map[string]any{"streamId": streamID})
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == rpcErrStreamAlreadySubscribed {
			err = nil
		}
	}
	if err != nil {
		return errors.Wrapf(err, errors.KindProtocol, "subscribing to %s stream", streamID)
	}

	c.mu.Lock()
	c.subscribed[streamID] = true
	c.mu.Unlock()
	return nil
}

type vmSnapshot struct {
	Isolates []struct {
		ID string `json:"id"`
	} `json:"isolates"`
}

// Isolates snapshots the VM's isolate list at call time.
func (c *Client) Isolates(ctx context.Context) ([]string, error) {
	raw, err := c.call(ctx, "getVM", nil)
	if err != nil {
		return nil, err
	}
	var vm vmSnapshot
	if err := json.Unmarshal(raw, &vm); err != nil {
		return nil, errors.Wrap(err, errors.KindProtocol, "decoding VM snapshot")
	}
	ids := make([]string, 0, len(vm.Isolates))
	for _, iso := range vm.Isolates {
		ids = append(ids, iso.ID)
	}
	return ids, nil
}

// Pause pauses a single isolate. Pausing an isolate that is not yet
// running or already stopped fails at the protocol level; callers treat
// that as tolerable.
func (c *Client) Pause(ctx context.Context, isolateID string) error {
	_, err := c.call(ctx, "pause", map[string]any{"isolateId": isolateID})
	return err
}

// Resume resumes exactly the given isolate.
func (c *Client) Resume(ctx context.Context, isolateID string) error {
	_, err := c.call(ctx, "resume", map[string]any{"isolateId": isolateID})
	return err
}

// SourceReport pulls raw coverage data for the given isolate, scoped to
// the listed packages. Whole-process collection is never requested; the
// scope bounds both cost and report size.
func (c *Client) SourceReport(ctx context.Context, isolateID string, packages []string) ([]byte, error) {
	filters := make([]string, 0, len(packages))
	for _, p := range packages {
		filters = append(filters, "package:"+p+"/")
	}
	raw, err := c.call(ctx, "getSourceReport", map[string]any{
		"isolateId":      isolateID,
		"reports":        []string{"Coverage"},
		"libraryFilters": filters,
		"reportLines":    true,
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// NotifyTestCompleted tells the instrumented app that the host observed
// its test completion. It opens a short-lived second connection, sends one
// structured frame addressed to the isolate, and closes immediately.
// Fire-and-forget: the response is never read.
func (c *Client) NotifyTestCompleted(ctx context.Context, isolateID string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindProtocol, "dialing notify channel")
	}
	defer conn.Close()

	frame := rpcRequest{
		JSONRPC: "2.0",
		ID:      markTestCompletedID,
		Method:  "ext.patrol.markTestCompleted",
		Params: map[string]any{
			"isolateId": isolateID,
			"command":   "markTestCompleted",
		},
	}
	if err := conn.SetWriteDeadline(time.Now().Add(notifyWriteTimeout)); err != nil {
		return errors.Wrap(err, errors.KindProtocol, "setting notify write deadline")
	}
	if err := conn.WriteJSON(frame); err != nil {
		return errors.Wrap(err, errors.KindProtocol, "sending markTestCompleted")
	}
	return nil
}
