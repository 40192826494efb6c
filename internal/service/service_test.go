package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"rninspector/internal/config"
	"rninspector/pkg/domain"

	"github.com/gorilla/websocket"
	"github.com/mafredri/cdp/devtool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// runtimeStub 提供 /json 与 inspector WebSocket 的最小运行时
type runtimeStub struct {
	srv *httptest.Server
	up  websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []string
}

func newRuntimeStub(t *testing.T) *runtimeStub {
	t.Helper()
	rt := &runtimeStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		ws := "ws" + strings.TrimPrefix(rt.srv.URL, "http") + "/inspector/debug"
		_, _ = fmt.Fprintf(w, `[{"id":"a","title":"foo","type":"page","webSocketDebuggerUrl":"ws://127.0.0.1:1/none"},`+
			`{"id":"b","title":"bar experimental","type":"node","vm":"Hermes","webSocketDebuggerUrl":%q}]`, ws)
	})
	mux.HandleFunc("/inspector/debug", func(w http.ResponseWriter, r *http.Request) {
		conn, err := rt.up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rt.mu.Lock()
		rt.conn = conn
		rt.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			rt.mu.Lock()
			rt.received = append(rt.received, string(data))
			rt.mu.Unlock()
		}
	})
	rt.srv = httptest.NewServer(mux)
	t.Cleanup(rt.srv.Close)
	return rt
}

func (rt *runtimeStub) push(t *testing.T, msg string) {
	t.Helper()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.NotNil(t, rt.conn)
	require.NoError(t, rt.conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func (rt *runtimeStub) messages() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.received...)
}

func testConfig(t *testing.T, runtimeURL string) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Proxy.Host = "127.0.0.1"
	cfg.Proxy.Port = 0
	cfg.Runtime.ReconnectDelay = 50 * time.Millisecond
	cfg.Runtime.HealthInterval = 50 * time.Millisecond
	cfg.Runtime.DiscoveryTimeout = time.Second
	cfg.Runtime.OpenTimeout = time.Second

	host, port, err := net.SplitHostPort(strings.TrimPrefix(runtimeURL, "http://"))
	require.NoError(t, err)
	cfg.Runtime.Host = host
	cfg.Runtime.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	return cfg
}

func startProxy(t *testing.T, cfg *config.Config) *InspectorProxy {
	t.Helper()
	p, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func connectFrontend(t *testing.T, p *InspectorProxy) *websocket.Conn {
	t.Helper()
	before := p.ConnectionStatus().DevToolsClients
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+p.Addr()+debuggerPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool {
		return p.ConnectionStatus().DevToolsClients == before+1
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestProxyWithoutRuntime(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Runtime.ReconnectDelay = time.Hour
	p := startProxy(t, cfg)

	st := p.ConnectionStatus()
	assert.True(t, st.ProxyServer)
	assert.False(t, st.ReactNative)
	assert.True(t, st.ReconnectScheduled)
	assert.False(t, p.IsConnected())
	assert.False(t, p.EnableXHRLogging())

	fe := connectFrontend(t, p)

	// 缓存未命中且上游断开时返回空响应体
	require.NoError(t, fe.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":5,"method":"Network.getResponseBody","params":{"requestId":"42"}}`)))
	assert.JSONEq(t, `{"id":5,"result":{"base64Encoded":false,"body":""}}`, read(t, fe))

	require.NoError(t, fe.WriteMessage(websocket.TextMessage, []byte(`{"id":6,"method":"Network.enable"}`)))
	assert.JSONEq(t, `{"id":6,"result":{}}`, read(t, fe))
}

func TestProxyEndToEnd(t *testing.T) {
	t.Parallel()

	rt := newRuntimeStub(t)
	p := startProxy(t, testConfig(t, rt.srv.URL))
	require.Eventually(t, p.IsConnected, 3*time.Second, 10*time.Millisecond)

	st := p.ConnectionStatus()
	assert.Equal(t, domain.StateOpen, st.UpstreamState)
	assert.Contains(t, st.TargetURL, "/inspector/debug")

	fe := connectFrontend(t, p)
	other := connectFrontend(t, p)

	// 普通命令透传到运行时
	require.NoError(t, fe.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"Debugger.enable"}`)))
	require.Eventually(t, func() bool { return len(rt.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"id":1,"method":"Debugger.enable"}`, rt.messages()[0])

	// 字符串求值结果被原样广播并回显为控制台日志
	rt.push(t, `{"id":3,"result":{"result":{"type":"string","value":"hi"}}}`)
	for _, c := range []*websocket.Conn{fe, other} {
		assert.JSONEq(t, `{"id":3,"result":{"result":{"type":"string","value":"hi"}}}`, read(t, c))
		echo := read(t, c)
		assert.Equal(t, "Runtime.consoleAPICalled", gjson.Get(echo, "method").String())
		assert.Equal(t, "[React Native] hi", gjson.Get(echo, "params.args.0.value").String())
	}

	// 注入的响应体优先于上游
	require.NoError(t, fe.WriteMessage(websocket.TextMessage,
		[]byte(`{"method":"Network.responseBodyData","params":{"requestId":"7","body":"hello","base64Encoded":false}}`)))
	require.NoError(t, fe.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":9,"method":"Network.getResponseBody","params":{"requestId":"7"}}`)))
	assert.JSONEq(t, `{"id":9,"result":{"base64Encoded":false,"body":"hello"}}`, read(t, fe))

	body, ok, err := p.StoredResponseBody(context.Background(), "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", body.Body)
	n, err := p.StoredResponseCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, p.ClearStoredResponses(context.Background()))
	n, err = p.StoredResponseCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// XHR 日志脚本通过 Runtime.evaluate 发送，其应答不转发给前端
	assert.True(t, p.EnableXHRLogging())
	require.Eventually(t, func() bool { return len(rt.messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	evaluate := rt.messages()[1]
	assert.Equal(t, "Runtime.evaluate", gjson.Get(evaluate, "method").String())
	assert.Contains(t, gjson.Get(evaluate, "params.expression").String(), "XMLHttpRequest")
}

func TestDiscoveryEndpoints(t *testing.T) {
	t.Parallel()

	rt := newRuntimeStub(t)
	p := startProxy(t, testConfig(t, rt.srv.URL))
	require.Eventually(t, p.IsConnected, 3*time.Second, 10*time.Millisecond)
	base := "http://" + p.Addr()

	var targets []domain.InspectorTarget
	getJSON(t, base+"/json/list", &targets)
	require.Len(t, targets, 1)
	assert.Equal(t, "bar experimental", targets[0].Title)
	assert.Equal(t, "Hermes", targets[0].VM)
	assert.Equal(t, "ws://"+p.Addr()+debuggerPath, targets[0].WebSocketDebuggerURL)
	assert.True(t, strings.HasSuffix(targets[0].DevToolsFrontendURL, "ws="+p.Addr()+debuggerPath))

	var version map[string]string
	getJSON(t, base+"/json/version", &version)
	assert.Equal(t, "1.3", version["Protocol-Version"])

	var st domain.ConnectionStatus
	getJSON(t, base+"/status", &st)
	assert.True(t, st.ReactNative)
	assert.True(t, st.ProxyServer)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	metricsBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metricsBody), "rninspector_upstream_connected")
}

func TestAdvertisedTargetWithoutRuntime(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Runtime.ReconnectDelay = time.Hour
	p := startProxy(t, cfg)

	var targets []domain.InspectorTarget
	getJSON(t, "http://"+p.Addr()+"/json", &targets)
	require.Len(t, targets, 1)
	assert.Equal(t, "rninspector", targets[0].ID)
	assert.Equal(t, devtool.Node, targets[0].Type)
	assert.Equal(t, "ws://"+p.Addr()+debuggerPath, targets[0].WebSocketDebuggerURL)
	assert.Contains(t, targets[0].DevToolsFrontendURL, "ws="+p.Addr()+debuggerPath)
}

func TestRequestIDCounter(t *testing.T) {
	t.Parallel()

	p, err := New(testConfig(t, "http://127.0.0.1:1"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })

	start := p.RequestIDCounter()
	assert.Equal(t, start, p.IncrementRequestIDCounter())
	assert.Equal(t, start+1, p.RequestIDCounter())
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Simulation.Enabled = true
	cfg.Simulation.Interval = 20 * time.Millisecond
	p, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	addr := p.Addr()
	require.NotEmpty(t, addr)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.False(t, p.ConnectionStatus().ProxyServer)
	assert.ErrorIs(t, p.Start(context.Background()), ErrNotRunning)

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestRunReturnsOnCancel(t *testing.T) {
	t.Parallel()

	p, err := New(testConfig(t, "http://127.0.0.1:1"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return p.ConnectionStatus().ProxyServer }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSimulationWhileDisconnected(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Runtime.ReconnectDelay = time.Hour
	cfg.Simulation.Interval = 400 * time.Millisecond
	p := startProxy(t, cfg)
	fe := connectFrontend(t, p)

	p.SimulateNetworkEvents()
	p.SimulateNetworkEvents()

	var frames []string
	for i := 0; i < 3; i++ {
		frames = append(frames, read(t, fe))
	}
	assert.Equal(t, "Network.requestWillBeSent", gjson.Get(frames[0], "method").String())
	assert.Equal(t, "Network.responseReceived", gjson.Get(frames[1], "method").String())
	assert.Equal(t, "Network.loadingFinished", gjson.Get(frames[2], "method").String())
	id := gjson.Get(frames[0], "params.requestId").String()
	assert.NotEmpty(t, id)
	assert.Equal(t, id, gjson.Get(frames[2], "params.requestId").String())
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
