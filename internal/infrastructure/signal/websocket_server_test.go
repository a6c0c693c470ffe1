package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"
	"vmsgate/internal/core/services"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const waitFor = 2 * time.Second

type recordingHandler struct {
	mu     sync.Mutex
	calls  []string
	closed []string
	pos    services.PosParams
}

func (h *recordingHandler) record(call string) {
	h.mu.Lock()
	h.calls = append(h.calls, call)
	h.mu.Unlock()
}

func (h *recordingHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *recordingHandler) Closed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.closed...)
}

func (h *recordingHandler) Open(_ context.Context, conn ports.ClientConn) error {
	h.record("open")
	return conn.SendJSON(domain.CamerasMessage{Type: domain.MessageCameras, Data: []domain.Channel{{GUID: "CAM-1", Name: "Gate"}}})
}

func (h *recordingHandler) BeginSubscribe(_ context.Context, conn ports.ClientConn, guid string, mode domain.RequestedMode) (func() error, error) {
	h.record(fmt.Sprintf("subscribe %s %d", guid, mode))
	return func() error {
		return conn.SendJSON(domain.StreamMessage{Type: domain.MessageStream, Mode: "screenshot", GUID: guid})
	}, nil
}

func (h *recordingHandler) Stop(ports.ClientConn) { h.record("stop") }

func (h *recordingHandler) SubscribePos(_ context.Context, _ ports.ClientConn, params services.PosParams) error {
	h.mu.Lock()
	h.pos = params
	h.mu.Unlock()
	h.record("pos")
	return nil
}

func (h *recordingHandler) StopPos(ports.ClientConn) { h.record("stop-pos") }

func (h *recordingHandler) Close(conn ports.ClientConn) {
	h.mu.Lock()
	h.closed = append(h.closed, conn.ID())
	h.mu.Unlock()
}

// slowVideoHandler never finishes a subscribe until the viewer stops it.
type slowVideoHandler struct {
	recordingHandler
	stopped chan struct{}
	once    sync.Once
}

func (h *slowVideoHandler) BeginSubscribe(_ context.Context, _ ports.ClientConn, guid string, _ domain.RequestedMode) (func() error, error) {
	h.record("subscribe " + guid)
	return func() error {
		<-h.stopped
		return services.ErrSubscriptionReplaced
	}, nil
}

func (h *slowVideoHandler) Stop(ports.ClientConn) {
	h.record("stop")
	h.once.Do(func() { close(h.stopped) })
}

type sinkRegistry struct {
	mu       sync.Mutex
	known    map[string]bool
	sinks    map[string]ports.FrameSink
	detached []string
}

func newSinkRegistry(ids ...string) *sinkRegistry {
	r := &sinkRegistry{known: make(map[string]bool), sinks: make(map[string]ports.FrameSink)}
	for _, id := range ids {
		r.known[id] = true
	}
	return r
}

func (r *sinkRegistry) Acquire(context.Context, string, ports.StreamMember) (domain.StreamHandle, error) {
	return domain.StreamHandle{}, nil
}
func (r *sinkRegistry) Release(string)                   {}
func (r *sinkRegistry) Snapshot() []domain.StreamStatus { return nil }

func (r *sinkRegistry) AttachSink(streamID string, sink ports.FrameSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known[streamID] {
		return domain.ErrStreamNotFound
	}
	r.sinks[streamID] = sink
	return nil
}

func (r *sinkRegistry) DetachSink(streamID, sinkID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sinks[streamID]; ok && s.ID() == sinkID {
		delete(r.sinks, streamID)
		r.detached = append(r.detached, streamID)
	}
}

func (r *sinkRegistry) sink(streamID string) ports.FrameSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinks[streamID]
}

func (r *sinkRegistry) Detached() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.detached...)
}

func newTestServer(t *testing.T, cfg Config, handler ConnectionHandler, streams ports.StreamRegistry) (*WebSocketServer, string) {
	t.Helper()
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = []string{"*"}
	}
	srv := NewWebSocketServer(cfg, handler, streams, zap.NewNop().Sugar())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	mux.HandleFunc("/ws/video", srv.HandleVideo)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestWebSocketServer_ControlFlow(t *testing.T) {
	handler := &recordingHandler{}
	srv, base := newTestServer(t, Config{}, handler, newSinkRegistry())
	ws := dial(t, base+"/ws")

	assert.Equal(t, "cameras", readJSON(t, ws)["type"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("CAM-1")))
	ack := readJSON(t, ws)
	assert.Equal(t, "stream", ack["type"])
	assert.Equal(t, "CAM-1", ack["guid"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe-pos-events","params":{"terminal":"T1","interval":750}}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop-pos-events"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))

	require.Eventually(t, func() bool { return len(handler.Calls()) == 5 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"open", "subscribe CAM-1 0", "pos", "stop-pos", "stop"}, handler.Calls())
	handler.mu.Lock()
	assert.Equal(t, services.PosParams{Terminal: "T1", Interval: 750 * time.Millisecond}, handler.pos)
	handler.mu.Unlock()
	assert.Equal(t, 1, srv.ConnectionCount())

	ws.Close()
	require.Eventually(t, func() bool { return len(handler.Closed()) == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 0 }, waitFor, 5*time.Millisecond)
}

func TestWebSocketServer_ReadsWhileSubscribePending(t *testing.T) {
	handler := &slowVideoHandler{stopped: make(chan struct{})}
	_, base := newTestServer(t, Config{}, handler, newSinkRegistry())
	ws := dial(t, base+"/ws")
	readJSON(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","guid":"CAM-1","mode":"video"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))

	require.Eventually(t, func() bool { return len(handler.Calls()) == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"open", "subscribe CAM-1", "stop"}, handler.Calls())

	ws.Close()
	require.Eventually(t, func() bool { return len(handler.Closed()) == 1 }, waitFor, 5*time.Millisecond)
}

func TestWebSocketServer_BadMessagesGetErrors(t *testing.T) {
	handler := &recordingHandler{}
	_, base := newTestServer(t, Config{}, handler, newSinkRegistry())
	ws := dial(t, base+"/ws")
	readJSON(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	msg := readJSON(t, ws)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "unknown command", msg["message"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe"}`)))
	msg = readJSON(t, ws)
	assert.Equal(t, "invalid message format", msg["message"])

	assert.Equal(t, []string{"open"}, handler.Calls())
}

func TestWebSocketServer_RateLimitsMessages(t *testing.T) {
	handler := &recordingHandler{}
	cfg := Config{NewLimiter: func() *rate.Limiter { return rate.NewLimiter(rate.Every(time.Hour), 1) }}
	_, base := newTestServer(t, cfg, handler, newSinkRegistry())
	ws := dial(t, base+"/ws")
	readJSON(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))

	msg := readJSON(t, ws)
	assert.Equal(t, "rate limit exceeded", msg["message"])
	assert.Equal(t, []string{"open", "stop"}, handler.Calls())
}

func TestWebSocketServer_RejectsForeignOrigin(t *testing.T) {
	_, base := newTestServer(t, Config{AllowedOrigins: []string{"https://viewer.example"}}, &recordingHandler{}, newSinkRegistry())

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://viewer.example")
	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws", header)
	require.NoError(t, err)
	ws.Close()
}

func TestWebSocketServer_VideoRelaysBytes(t *testing.T) {
	streams := newSinkRegistry("CAM-1-stream")
	_, base := newTestServer(t, Config{}, &recordingHandler{}, streams)
	ws := dial(t, base+"/ws/video?streamId=CAM-1-stream")

	require.Eventually(t, func() bool { return streams.sink("CAM-1-stream") != nil }, waitFor, 5*time.Millisecond)
	require.NoError(t, streams.sink("CAM-1-stream").Send([]byte{0x47, 0x01}))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{0x47, 0x01}, data)

	ws.Close()
	require.Eventually(t, func() bool { return len(streams.Detached()) == 1 }, waitFor, 5*time.Millisecond)
}

func TestWebSocketServer_VideoUnknownStreamIsClosed(t *testing.T) {
	_, base := newTestServer(t, Config{}, &recordingHandler{}, newSinkRegistry())
	ws := dial(t, base+"/ws/video?streamId=nope")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocketServer_VideoRequiresStreamID(t *testing.T) {
	_, base := newTestServer(t, Config{}, &recordingHandler{}, newSinkRegistry())
	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/video", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVideoSink_OverflowClosesSink(t *testing.T) {
	sink := &videoSink{peer: newPeer("sink-1", nil, 1, time.Second, time.Second)}

	require.NoError(t, sink.Send([]byte{1}))
	assert.ErrorIs(t, sink.Send([]byte{2}), ErrSendBufferFull)
	assert.True(t, sink.Closed())
	assert.ErrorIs(t, sink.Send([]byte{3}), ErrConnClosed)
}
