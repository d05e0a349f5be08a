package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
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

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}

// testWebsocketServer serves s over an httptest server. Clients pick their
// template with the "template" query parameter.
func testWebsocketServer(t *testing.T, s *Server) func(template string) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	var served sync.WaitGroup

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		served.Add(1)
		defer served.Done()
		s.Serve(context.Background(), conn, r.URL.Query().Get("template"))
	}))
	t.Cleanup(func() {
		s.Close()
		served.Wait()
		srv.Close()
	})

	return func(template string) *websocket.Conn {
		t.Helper()
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?template=" + template
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
}

func waitForClients(t *testing.T, s *Server, template string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.ClientCount(template) == n }, time.Second, time.Millisecond)
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestServe_DeliversBroadcastToClient(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	dial := testWebsocketServer(t, s)

	alpha := dial("alpha")
	beta := dial("beta")
	waitForClients(t, s, "alpha", 1)
	waitForClients(t, s, "beta", 1)

	assert.Equal(t, 1, s.Broadcast("alpha", SetText{ID: "t1", Text: "hi"}))
	assert.JSONEq(t, `{"type":"SetText","id":"t1","text":"hi"}`, readFrame(t, alpha))

	beta.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err := beta.ReadMessage()
	assert.Error(t, err)
}

func TestServe_ClientObservesBroadcastOrder(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	dial := testWebsocketServer(t, s)

	conn := dial("alpha")
	waitForClients(t, s, "alpha", 1)

	s.Broadcast("alpha", AddClass{ID: "box", Class: "first"})
	s.Broadcast("alpha", RemoveClass{ID: "box", Class: "first"})
	s.Broadcast("alpha", ExecuteAnimation{AnimationSequence: "outro"})

	assert.JSONEq(t, `{"type":"AddClass","id":"box","class":"first"}`, readFrame(t, conn))
	assert.JSONEq(t, `{"type":"RemoveClass","id":"box","class":"first"}`, readFrame(t, conn))
	assert.JSONEq(t, `{"type":"ExecuteAnimation","animationSequence":"outro"}`, readFrame(t, conn))
}

func TestServe_LogErrorIsLoggedAndConnectionStaysOpen(t *testing.T) {
	logs := captureLogs(t)
	s := newTestServer(t, ServerOptions{})
	dial := testWebsocketServer(t, s)

	conn := dial("alpha")
	waitForClients(t, s, "alpha", 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"LogError","message":"boom","stack":"at main.js:1"}`)))

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Template error occurred")
	}, time.Second, time.Millisecond)
	assert.Contains(t, logs.String(), "boom")
	assert.Contains(t, logs.String(), "at main.js:1")

	assert.Equal(t, 1, s.ClientCount("alpha"))
	s.Broadcast("alpha", ReloadTemplate{})
	assert.JSONEq(t, `{"type":"ReloadTemplate"}`, readFrame(t, conn))
}

func TestServe_MalformedFrameIsNotFatal(t *testing.T) {
	logs := captureLogs(t)
	s := newTestServer(t, ServerOptions{})
	dial := testWebsocketServer(t, s)

	conn := dial("alpha")
	waitForClients(t, s, "alpha", 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Unknown"}`)))

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Could not parse message on websocket")
	}, time.Second, time.Millisecond)

	s.Broadcast("alpha", ReloadTemplate{})
	assert.JSONEq(t, `{"type":"ReloadTemplate"}`, readFrame(t, conn))
	assert.Equal(t, 1, s.ClientCount("alpha"))
}

func TestServe_AbruptCloseDeregisters(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	dial := testWebsocketServer(t, s)

	gone := dial("alpha")
	stay := dial("alpha")
	waitForClients(t, s, "alpha", 2)

	require.NoError(t, gone.UnderlyingConn().Close())
	waitForClients(t, s, "alpha", 1)

	assert.Equal(t, 1, s.Broadcast("alpha", ReloadTemplate{}))
	assert.JSONEq(t, `{"type":"ReloadTemplate"}`, readFrame(t, stay))
}

func TestServe_CloseFrameDeregisters(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	dial := testWebsocketServer(t, s)

	conn := dial("alpha")
	waitForClients(t, s, "alpha", 1)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	waitForClients(t, s, "alpha", 0)
	assert.Zero(t, s.Len())
}

func TestServe_StopItemEndsConnection(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	dial := testWebsocketServer(t, s)

	conn := dial("alpha")
	waitForClients(t, s, "alpha", 1)

	s.mu.RLock()
	var queue *sendQueue[[]byte]
	for _, c := range s.connections {
		queue = c.queue
	}
	s.mu.RUnlock()

	s.Broadcast("alpha", ReloadTemplate{})
	require.NoError(t, queue.Stop(errors.New("shutting down")))

	assert.JSONEq(t, `{"type":"ReloadTemplate"}`, readFrame(t, conn))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	waitForClients(t, s, "alpha", 0)
}

func TestServe_OverflowDisconnectsClient(t *testing.T) {
	s := newTestServer(t, ServerOptions{QueueLimit: 1})

	// Register without an outbound loop so nothing drains the queue.
	_, q := s.Register("alpha")
	s.Broadcast("alpha", ReloadTemplate{})
	s.Broadcast("alpha", ReloadTemplate{})

	ws := &recordingTransport{reads: make(chan struct{})}
	s.writeLoop(context.Background(), ws, q, slog.Default())

	assert.Equal(t, 1, ws.writes)
}

func TestServer_CloseEndsServedConnections(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	dial := testWebsocketServer(t, s)

	conn := dial("alpha")
	waitForClients(t, s, "alpha", 1)

	s.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	waitForClients(t, s, "alpha", 0)
}

// recordingTransport counts data frames and blocks reads until closed.
type recordingTransport struct {
	mu     sync.Mutex
	writes int
	reads  chan struct{}
	once   sync.Once
}

func (r *recordingTransport) ReadMessage() (int, []byte, error) {
	<-r.reads
	return 0, nil, errors.New("closed")
}

func (r *recordingTransport) WriteMessage(int, []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	return nil
}

func (r *recordingTransport) WriteControl(int, []byte, time.Time) error { return nil }
func (r *recordingTransport) SetReadLimit(int64)                        {}
func (r *recordingTransport) SetReadDeadline(time.Time) error           { return nil }
func (r *recordingTransport) SetWriteDeadline(time.Time) error          { return nil }
func (r *recordingTransport) SetPongHandler(func(string) error)         {}

func (r *recordingTransport) Close() error {
	r.once.Do(func() { close(r.reads) })
	return nil
}
