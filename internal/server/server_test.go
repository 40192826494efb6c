package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rninspector/internal/session"
	"rninspector/pkg/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 16
	}
	s := New(cfg, nil)
	require.NoError(t, s.Listen())
	go func() { _ = s.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func dial(t *testing.T, s *Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestAcceptsAnyPath(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []string
	s := startServer(t, Config{})
	s.SetHandler(func(_ context.Context, from session.Peer, raw []byte) {
		mu.Lock()
		got = append(got, string(from.ID())+"|"+string(raw))
		mu.Unlock()
		from.Send([]byte(`{"id":1,"result":{}}`))
	})

	a := dial(t, s, "/")
	b := dial(t, s, "/devtools/page/xyz")
	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"Network.enable"}`)))
	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := a.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"result":{}}`, string(reply))

	mu.Lock()
	require.Len(t, got, 1)
	assert.True(t, strings.HasSuffix(got[0], `|{"id":1,"method":"Network.enable"}`))
	mu.Unlock()

	assert.Equal(t, 2, s.Broadcast([]byte(`{"method":"Runtime.consoleAPICalled"}`)))
	for _, c := range []*websocket.Conn{a, b} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, `{"method":"Runtime.consoleAPICalled"}`, string(msg))
	}
}

func TestPlainHTTPIsNotFound(t *testing.T) {
	t.Parallel()

	s := startServer(t, Config{})
	s.Router().Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	resp, err := http.Get("http://" + s.Addr() + "/anything")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientLifecycleEvents(t *testing.T) {
	t.Parallel()

	events := make(chan domain.Event, 8)
	s := startServer(t, Config{Events: events})

	conn := dial(t, s, "/")
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	require.Eventually(t, func() bool { return s.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	first := <-events
	assert.Equal(t, domain.EventClientConnected, first.Type)
	assert.NotEmpty(t, first.Client)
	require.Eventually(t, func() bool { return len(events) > 0 }, time.Second, 10*time.Millisecond)
	second := <-events
	assert.Equal(t, domain.EventClientDisconnected, second.Type)
	assert.Equal(t, first.Client, second.Client)
}

func TestShutdownClosesClients(t *testing.T) {
	t.Parallel()

	s := New(Config{Addr: "127.0.0.1:0", QueueSize: 4}, nil)
	require.NoError(t, s.Listen())
	assert.Error(t, s.Listen())
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()
	assert.True(t, s.Running())

	conn := dial(t, s, "/")
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-served)
	assert.False(t, s.Running())
	assert.Zero(t, s.ClientCount())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestShutdownWaitsForInFlightFrames(t *testing.T) {
	t.Parallel()

	s := New(Config{Addr: "127.0.0.1:0", QueueSize: 4}, nil)
	require.NoError(t, s.Listen())
	go func() { _ = s.Serve() }()

	entered := make(chan struct{})
	var finished atomic.Bool
	s.SetHandler(func(context.Context, session.Peer, []byte) {
		close(entered)
		time.Sleep(200 * time.Millisecond)
		finished.Store(true)
	})

	conn := dial(t, s, "/")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"Network.getResponseBody"}`)))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("frame was not dispatched")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.True(t, finished.Load())
}
