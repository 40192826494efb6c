package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rninspector/internal/cache"
	"rninspector/internal/cdp"
	"rninspector/internal/config"
	"rninspector/internal/handler"
	"rninspector/internal/logger"
	"rninspector/internal/metrics"
	"rninspector/internal/rules"
	"rninspector/internal/server"
	"rninspector/internal/session"
	"rninspector/pkg/domain"

	"golang.org/x/sync/errgroup"
)

const eventBuffer = 64

// ErrNotRunning 代理未启动或已停止
var ErrNotRunning = errors.New("proxy is not running")

// InspectorProxy 一个完整的代理实例：上游连接、下行监听、拦截层与缓存
type InspectorProxy struct {
	cfg *config.Config
	log logger.Logger

	store    cache.Store
	metrics  *metrics.Recorder
	upstream *cdp.Manager
	clients  *session.Manager
	server   *server.Server
	handler  *handler.Handler
	events   chan domain.Event

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	simStop context.CancelFunc
}

// New 按配置组装代理，此时不建立任何连接
func New(cfg *config.Config, l logger.Logger) (*InspectorProxy, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if l == nil {
		l = logger.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := cache.Open(cfg, l)
	if err != nil {
		return nil, fmt.Errorf("open body cache: %w", err)
	}

	p := &InspectorProxy{
		cfg:    cfg,
		log:    l.With("component", "proxy"),
		store:  store,
		events: make(chan domain.Event, eventBuffer),
	}
	if cfg.Metrics.Enabled {
		p.metrics = metrics.New("rninspector", p.ConnectionStatus)
	}

	p.upstream = cdp.New(cdp.Options{
		BaseURL:          cfg.RuntimeBaseURL(),
		DiscoveryTimeout: cfg.Runtime.DiscoveryTimeout,
		OpenTimeout:      cfg.Runtime.OpenTimeout,
		ReconnectDelay:   cfg.Runtime.ReconnectDelay,
		HealthInterval:   cfg.Runtime.HealthInterval,
		MaxMessageBytes:  cfg.Proxy.MaxMessageBytes,
		Engine:           rules.New(cfg.Selection.Preferences),
		Logger:           l,
		Metrics:          p.metrics,
		Events:           p.events,
	})
	p.clients = session.NewManager(l)
	p.server = server.New(server.Config{
		Addr:            cfg.ProxyAddr(),
		QueueSize:       cfg.Proxy.ClientQueueSize,
		MaxMessageBytes: cfg.Proxy.MaxMessageBytes,
		Logger:          l,
		Metrics:         p.metrics,
		Events:          p.events,
	}, p.clients)
	p.handler = handler.New(handler.Config{
		Upstream:            p.upstream,
		Downstream:          p.clients,
		Store:               store,
		EchoEvaluateResults: cfg.Interception.EchoEvaluateResults,
		CachePostData:       cfg.Interception.CachePostData,
		Logger:              l,
		Metrics:             p.metrics,
	})

	p.upstream.OnMessage(func(raw []byte) {
		p.handler.HandleUpstream(context.Background(), raw)
	})
	p.upstream.OnOpen(func(domain.InspectorTarget) {
		p.handler.ResetUpstream()
		if cfg.Runtime.XHRLoggingOnConnect {
			p.handler.EnableXHRLogging()
		}
	})
	p.server.SetHandler(func(ctx context.Context, from session.Peer, raw []byte) {
		p.handler.HandleDownstream(ctx, from, raw)
	})
	p.mountRoutes()
	return p, nil
}

// Start 绑定监听端口并发起首次上游连接
//
// 运行时不可达不会导致失败，只会安排重连。只有本地资源问题（端口占用等）返回错误。
func (p *InspectorProxy) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrNotRunning
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	if err := p.server.Listen(); err != nil {
		p.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	p.started = true
	p.cancel = cancel
	p.group = g
	p.mu.Unlock()

	g.Go(p.server.Serve)
	g.Go(func() error { return p.upstream.Monitor(gctx) })
	if p.cfg.Simulation.Enabled {
		p.SimulateNetworkEvents()
	}

	p.upstream.Start(ctx)
	p.log.Info("代理已启动", "proxy", p.server.Addr(), "runtime", p.cfg.RuntimeBaseURL())
	return nil
}

// Stop 关闭上游连接、停止监听并断开所有客户端，可重复调用
func (p *InspectorProxy) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started, cancel, g, simStop := p.started, p.cancel, p.group, p.simStop
	p.simStop = nil
	p.mu.Unlock()

	if simStop != nil {
		simStop()
	}
	p.upstream.Stop()

	var errs []error
	if started {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown listener: %w", err))
		}
		done()
		cancel()
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close body cache: %w", err))
	}
	p.log.Info("代理已停止")
	return errors.Join(errs...)
}

// Run 启动代理并阻塞到 ctx 结束或后台任务出错，返回前完成 Stop
func (p *InspectorProxy) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()

	failed := make(chan error, 1)
	go func() { failed <- g.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-failed:
		if runErr != nil {
			p.log.Err(runErr, "后台任务异常退出")
		}
	}
	if err := p.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// ConnectionStatus 返回当前连接状态快照
func (p *InspectorProxy) ConnectionStatus() domain.ConnectionStatus {
	st := domain.ConnectionStatus{
		ReactNative:        p.upstream.IsConnected(),
		ProxyServer:        p.server.Running(),
		DevToolsClients:    p.clients.Len(),
		ReconnectScheduled: p.upstream.ReconnectScheduled(),
		UpstreamState:      p.upstream.State(),
	}
	if target, ok := p.upstream.Target(); ok {
		st.TargetURL = target.DebuggerURL()
	}
	if n, err := p.handler.StoredResponseCount(context.Background()); err == nil {
		st.StoredResponses = n
	}
	return st
}

// IsConnected 上游是否已连接
func (p *InspectorProxy) IsConnected() bool { return p.upstream.IsConnected() }

// EnableXHRLogging 向运行时注入 XHR 日志脚本，未连接时返回 false
func (p *InspectorProxy) EnableXHRLogging() bool { return p.handler.EnableXHRLogging() }

// SimulateNetworkEvents 开始周期性广播模拟网络事件，已在运行时不重复启动
//
// 模拟只在上游断开期间发出事件，随 Stop 一起结束。
func (p *InspectorProxy) SimulateNetworkEvents() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.simStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.simStop = cancel
	interval := p.cfg.Simulation.Interval
	go func() {
		_ = p.handler.SimulateNetworkEvents(ctx, interval)
	}()
}

// StoredResponseBody 查询缓存的响应体
func (p *InspectorProxy) StoredResponseBody(ctx context.Context, requestID string) (domain.ResponseBody, bool, error) {
	return p.handler.StoredResponseBody(ctx, requestID)
}

// StoredResponseCount 缓存的响应体数量
func (p *InspectorProxy) StoredResponseCount(ctx context.Context) (int, error) {
	return p.handler.StoredResponseCount(ctx)
}

// ClearStoredResponses 清空缓存
func (p *InspectorProxy) ClearStoredResponses(ctx context.Context) error {
	return p.handler.ClearStoredResponses(ctx)
}

// RequestIDCounter 下一个将被分配的请求 id
func (p *InspectorProxy) RequestIDCounter() int64 { return p.handler.Counter().Current() }

// IncrementRequestIDCounter 分配一个请求 id 并返回
func (p *InspectorProxy) IncrementRequestIDCounter() int64 { return p.handler.Counter().Next() }

// Events 生命周期事件，消费不及时的事件会被丢弃
func (p *InspectorProxy) Events() <-chan domain.Event { return p.events }

// Addr 下行监听的实际地址，未启动时为空
func (p *InspectorProxy) Addr() string { return p.server.Addr() }
