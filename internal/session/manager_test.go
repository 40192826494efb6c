package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"rninspector/internal/logger"
	"rninspector/pkg/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id     domain.ClientID
	mu     sync.Mutex
	open   bool
	reject bool
	sent   [][]byte
}

func newFakePeer(id string) *fakePeer { return &fakePeer{id: domain.ClientID(id), open: true} }

func (p *fakePeer) ID() domain.ClientID { return p.id }

func (p *fakePeer) Send(raw []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open || p.reject {
		return false
	}
	p.sent = append(p.sent, raw)
	return true
}

func (p *fakePeer) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func TestBroadcastFanOut(t *testing.T) {
	t.Parallel()

	m := NewManager(logger.NewNop())
	open := []*fakePeer{newFakePeer("a"), newFakePeer("b"), newFakePeer("c")}
	closed := newFakePeer("closed")
	closed.open = false
	for _, p := range open {
		m.Add(p)
	}
	m.Add(closed)
	require.Equal(t, 4, m.Len())

	sent := m.Broadcast([]byte(`{"method":"Network.loadingFinished"}`))
	assert.Equal(t, len(open), sent)
	for _, p := range open {
		assert.Equal(t, 1, p.count())
	}
	assert.Zero(t, closed.count())
	// 未打开的客户端在广播中被移除
	assert.Equal(t, 3, m.Len())
}

func TestBroadcastPrunesRejected(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	ok := newFakePeer("ok")
	full := newFakePeer("full")
	full.reject = true
	m.Add(ok)
	m.Add(full)

	assert.Equal(t, 1, m.Broadcast([]byte(`{}`)))
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, []Peer{ok}, m.List())
}

func TestRemoveAndCloseAll(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	a, b := newFakePeer("a"), newFakePeer("b")
	m.Add(a)
	m.Add(b)

	assert.True(t, m.Remove(a))
	assert.False(t, m.Remove(a))

	m.CloseAll()
	assert.Zero(t, m.Len())
	assert.False(t, b.IsOpen())
}

// wsPair 返回服务端 Client 和对端的客户端连接
func wsPair(t *testing.T, queue int) (*Client, *websocket.Conn) {
	t.Helper()

	accepted := make(chan *Client, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- NewClient(conn, queue, logger.NewNop())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	remote, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })

	select {
	case c := <-accepted:
		t.Cleanup(func() { _ = c.Close() })
		return c, remote
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade timed out")
		return nil, nil
	}
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()

	c, remote := wsPair(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.WritePump(ctx)

	got := make(chan string, 1)
	go func() {
		_ = c.ReadPump(1<<20, func(raw []byte) { got <- string(raw) })
	}()

	require.True(t, c.Send([]byte(`{"id":1,"result":{}}`)))
	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := remote.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"result":{}}`, string(data))

	require.NoError(t, remote.WriteMessage(websocket.TextMessage, []byte(`{"id":2,"method":"Network.enable"}`)))
	select {
	case msg := <-got:
		assert.JSONEq(t, `{"id":2,"method":"Network.enable"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound frame")
	}

	require.NoError(t, c.Close())
	assert.False(t, c.IsOpen())
	assert.False(t, c.Send([]byte(`{}`)))
}

func TestClientOverflowCloses(t *testing.T) {
	t.Parallel()

	// 不启动写协程，队列无法被消费
	c, _ := wsPair(t, 1)
	var overflowed bool
	c.OnOverflow = func(*Client) { overflowed = true }

	assert.True(t, c.Send([]byte(`1`)))
	assert.False(t, c.Send([]byte(`2`)))
	assert.True(t, overflowed)
	assert.False(t, c.IsOpen())
	select {
	case <-c.done:
	default:
		t.Fatal("done channel not closed")
	}
}
