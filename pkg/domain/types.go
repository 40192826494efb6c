package domain

import (
	"github.com/mafredri/cdp/devtool"
)

type ClientID string

// InspectorTarget 运行时 /json 列表中的一个可调试目标
//
// 在 devtool.Target 的基础上补充 React Native 特有的 vm 字段（如 "Hermes"）。
type InspectorTarget struct {
	devtool.Target
	VM string `json:"vm,omitempty"`
}

// DebuggerURL 返回目标的 WebSocket 调试地址
func (t InspectorTarget) DebuggerURL() string { return t.WebSocketDebuggerURL }

// UpstreamState 上游连接状态
type UpstreamState string

const (
	StateIdle         UpstreamState = "idle"
	StateConnecting   UpstreamState = "connecting"
	StateOpen         UpstreamState = "open"
	StateClosed       UpstreamState = "closed"
	StateError        UpstreamState = "error"
	StateReconnecting UpstreamState = "reconnecting"
	StateStopped      UpstreamState = "stopped"
)

// ConnectionStatus 供外部健康检查使用的连接状态快照
type ConnectionStatus struct {
	ReactNative        bool          `json:"reactNative"`
	ProxyServer        bool          `json:"proxyServer"`
	DevToolsClients    int           `json:"devToolsClients"`
	ReconnectScheduled bool          `json:"reconnectScheduled"`
	UpstreamState      UpstreamState `json:"upstreamState"`
	TargetURL          string        `json:"targetUrl,omitempty"`
	StoredResponses    int           `json:"storedResponses"`
}

// ResponseBody 缓存的响应体
type ResponseBody struct {
	Body          string `json:"body"`
	Base64Encoded bool   `json:"base64Encoded"`
}

// Event 代理生命周期事件
type Event struct {
	Type      string   `json:"type"`
	Target    string   `json:"target,omitempty"`
	Client    ClientID `json:"client,omitempty"`
	Error     string   `json:"error,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

const (
	EventUpstreamOpen       = "upstream_open"
	EventUpstreamClosed     = "upstream_closed"
	EventUpstreamError      = "upstream_error"
	EventClientConnected    = "client_connected"
	EventClientDisconnected = "client_disconnected"
)
