package cdp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rninspector/internal/logger"
	"rninspector/internal/metrics"
	"rninspector/internal/rules"
	"rninspector/pkg/domain"

	"github.com/gorilla/websocket"
)

// Options 上游连接管理参数
type Options struct {
	BaseURL          string
	DiscoveryTimeout time.Duration
	OpenTimeout      time.Duration
	ReconnectDelay   time.Duration
	HealthInterval   time.Duration
	MaxMessageBytes  int64

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Engine     *rules.Engine
	Logger     logger.Logger
	Metrics    *metrics.Recorder
	// Events 非阻塞投递，满时丢弃
	Events chan<- domain.Event
}

// Manager 持有到运行时 inspector 的唯一连接，负责发现、建连与定时重连
type Manager struct {
	opts Options
	log  logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   domain.UpstreamState
	conn    *websocket.Conn
	target  domain.InspectorTarget
	timer   *time.Timer
	gen     uint64
	pending bool
	stopped bool

	onMessage func(raw []byte)
	onOpen    func(target domain.InspectorTarget)

	writeMu sync.Mutex
	readers sync.WaitGroup
}

// New 创建上游连接管理器，初始状态为 idle
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.OpenTimeout,
		}
	}
	if opts.Engine == nil {
		opts.Engine = rules.New(rules.DefaultPreferences())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		log:    opts.Logger.With("component", "upstream"),
		ctx:    ctx,
		cancel: cancel,
		state:  domain.StateIdle,
	}
}

// OnMessage 设置上游帧回调，帧按到达顺序在同一个协程中回调
func (m *Manager) OnMessage(fn func(raw []byte)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

// OnOpen 设置连接建立后的回调
func (m *Manager) OnOpen(fn func(target domain.InspectorTarget)) {
	m.mu.Lock()
	m.onOpen = fn
	m.mu.Unlock()
}

// Start 发起首次连接，失败时已安排重连，不返回错误
func (m *Manager) Start(ctx context.Context) {
	if err := m.Connect(ctx); err != nil {
		m.log.Debug("首次连接未成功，等待重连", "error", err)
	}
}

// Connect 发现目标并建立连接
//
// 正在连接或已连接时直接返回。失败会记录日志并安排重连，错误同时返回给调用方。
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == domain.StateConnecting || m.state == domain.StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.state = domain.StateConnecting
	m.mu.Unlock()

	m.log.Info("尝试连接运行时 inspector", "base", m.opts.BaseURL)

	target, tier, err := Discover(ctx, m.opts.HTTPClient, m.opts.BaseURL, m.opts.DiscoveryTimeout, m.opts.Engine)
	if err != nil {
		m.fail(err, "")
		return err
	}
	url := target.DebuggerURL()
	m.log.Info("已选择调试目标", "id", string(target.ID), "title", target.Title, "tier", tier, "url", url)

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.OpenTimeout)
	conn, _, err := m.opts.Dialer.DialContext(dialCtx, url, nil)
	timedOut := dialCtx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		if timedOut {
			err = fmt.Errorf("%w: %w: open %s: %v", ErrDialFailed, ErrTimeout, url, err)
		} else {
			err = fmt.Errorf("%w: %s: %v", ErrDialFailed, url, err)
		}
		m.fail(err, url)
		return err
	}
	if m.opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(m.opts.MaxMessageBytes)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	prev := m.conn
	m.conn = conn
	m.target = target
	m.state = domain.StateOpen
	m.cancelReconnectLocked()
	onMessage, onOpen := m.onMessage, m.onOpen
	m.readers.Add(1)
	m.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	m.log.Info("已连接运行时 inspector", "url", url)
	m.emit(domain.Event{Type: domain.EventUpstreamOpen, Target: url})

	go m.readLoop(conn, url, onMessage)
	if onOpen != nil {
		onOpen(target)
	}
	return nil
}

// fail 记录失败并安排重连
func (m *Manager) fail(err error, url string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.state = domain.StateError
	m.mu.Unlock()

	m.log.Err(err, "连接运行时 inspector 失败", "base", m.opts.BaseURL, "url", url)
	m.emit(domain.Event{Type: domain.EventUpstreamError, Target: url, Error: err.Error()})
	m.ScheduleReconnect()
}

// ScheduleReconnect 在固定延迟后重新连接
//
// 已有重连待执行时不做任何事，任何时刻最多只有一个有效定时器。
func (m *Manager) ScheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.pending {
		return
	}
	m.pending = true
	if m.state != domain.StateOpen && m.state != domain.StateConnecting {
		m.state = domain.StateReconnecting
	}
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(m.opts.ReconnectDelay, func() { m.fireReconnect(gen) })
	m.log.Info("已安排重连", "delay", m.opts.ReconnectDelay.String())
}

func (m *Manager) fireReconnect(gen uint64) {
	m.mu.Lock()
	// 定时器已被取消或被更新的定时器取代
	if m.stopped || !m.pending || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.pending = false
	m.timer = nil
	m.mu.Unlock()

	m.opts.Metrics.Reconnect()
	m.log.Info("尝试重新连接运行时 inspector")
	_ = m.Connect(m.ctx)
}

func (m *Manager) cancelReconnectLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = false
	m.gen++
}

// Send 向上游发送一帧，未连接或写失败时丢弃并返回 false
func (m *Manager) Send(raw []byte) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state == domain.StateOpen
	m.mu.Unlock()
	if conn == nil || !open {
		return false
	}

	m.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.OpenTimeout))
	err := conn.WriteMessage(websocket.TextMessage, raw)
	m.writeMu.Unlock()
	if err != nil {
		m.log.Err(err, "写入上游失败")
		// 关闭后由读协程负责状态迁移和重连
		_ = conn.Close()
		return false
	}
	return true
}

// IsConnected 连接是否处于打开状态
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == domain.StateOpen
}

// ReconnectScheduled 是否有待执行的重连
func (m *Manager) ReconnectScheduled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// State 当前连接状态
func (m *Manager) State() domain.UpstreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Target 当前或最近一次连接的目标
func (m *Manager) Target() (domain.InspectorTarget, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target, m.target.DebuggerURL() != ""
}

// Monitor 周期性检查连接状态，未连接且没有重连待执行时安排重连
func (m *Manager) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	m.mu.Lock()
	state, pending := m.state, m.pending
	m.mu.Unlock()

	m.log.Info("上游连接状态", "state", string(state), "reconnectScheduled", pending)
	if state == domain.StateStopped || state == domain.StateOpen || state == domain.StateConnecting || pending {
		return
	}
	m.log.Warn("上游连接已断开，安排重连", "state", string(state))
	m.ScheduleReconnect()
}

// Stop 关闭连接并取消所有定时器，之后管理器不再工作
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.state = domain.StateStopped
	m.cancelReconnectLocked()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "proxy stopping"))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	m.readers.Wait()
	m.log.Info("上游连接管理器已停止")
}

func (m *Manager) emit(ev domain.Event) {
	if m.opts.Events == nil {
		return
	}
	ev.Timestamp = time.Now().UnixMilli()
	select {
	case m.opts.Events <- ev:
	default:
	}
}
