package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"rninspector/internal/ctxkeys"
	"rninspector/internal/logger"
	"rninspector/internal/metrics"
	"rninspector/internal/session"
	"rninspector/pkg/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// MessageHandler 处理某个客户端发来的一帧
type MessageHandler func(ctx context.Context, from session.Peer, raw []byte)

// Config 监听参数
type Config struct {
	Addr            string
	QueueSize       int
	MaxMessageBytes int64

	Logger  logger.Logger
	Metrics *metrics.Recorder
	// Events 非阻塞投递，满时丢弃
	Events chan<- domain.Event
}

// Server 面向 DevTools 前端的 WebSocket 监听器，任意路径的升级请求都作为一个客户端接入
type Server struct {
	cfg      Config
	log      logger.Logger
	router   chi.Router
	clients  *session.Manager
	upgrader websocket.Upgrader

	handler atomic.Pointer[MessageHandler]
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	mu      sync.Mutex
	ln      net.Listener
	srv     *http.Server
	closing bool
}

// New 创建监听器，clients 为共享的客户端集合
func New(cfg Config, clients *session.Manager) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if clients == nil {
		clients = session.NewManager(cfg.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "downstream"),
		clients: clients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 前端来自 devtools:// 或本地文件，不做来源限制
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.HandleFunc("/*", s.handleWS)
	s.router = r
	return s
}

// Router 返回路由，用于挂载附加的 HTTP 端点
func (s *Server) Router() chi.Router { return s.router }

// SetHandler 设置入站消息处理器
func (s *Server) SetHandler(h MessageHandler) { s.handler.Store(&h) }

// Listen 绑定监听地址
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("already listening on %s", s.ln.Addr())
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running.Store(true)
	s.log.Info("代理监听已启动", "addr", ln.Addr().String())
	return nil
}

// Serve 阻塞处理连接，Shutdown 后返回 nil
func (s *Server) Serve() error {
	s.mu.Lock()
	ln, srv := s.ln, s.srv
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	s.running.Store(false)
	return err
}

// Addr 实际监听地址，未监听时为空
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Running 是否正在监听
func (s *Server) Running() bool { return s.running.Load() }

// Broadcast 向所有打开的客户端发送一帧，返回送达数量
func (s *Server) Broadcast(raw []byte) int { return s.clients.Broadcast(raw) }

// ClientCount 当前客户端数量
func (s *Server) ClientCount() int { return s.clients.Len() }

// Shutdown 停止监听并断开所有客户端
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)
	s.cancel()

	s.mu.Lock()
	s.closing = true
	srv := s.srv
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.clients.CloseAll()

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.log.Info("代理监听已停止")
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}
	if s.ctx.Err() != nil {
		http.Error(w, "proxy stopping", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket 升级失败", "remote", r.RemoteAddr, "error", err)
		return
	}

	// 读写两个协程都计入 pumps，Shutdown 返回时不再有帧在处理
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.pumps.Add(2)
	s.mu.Unlock()
	defer s.pumps.Done()

	c := session.NewClient(conn, s.cfg.QueueSize, s.log)
	c.OnOverflow = func(*session.Client) { s.cfg.Metrics.ClientDropped() }
	s.clients.Add(c)
	s.emit(domain.Event{Type: domain.EventClientConnected, Client: c.ID()})

	go func() {
		defer s.pumps.Done()
		c.WritePump(s.ctx)
	}()

	ctx := context.WithValue(s.ctx, ctxkeys.ClientIDKey{}, c.ID())
	err = c.ReadPump(s.cfg.MaxMessageBytes, func(raw []byte) {
		if h := s.handler.Load(); h != nil {
			(*h)(ctx, c, raw)
		}
	})
	if err != nil {
		s.log.Warn("DevTools 客户端连接异常", "client", string(c.ID()), "remote", r.RemoteAddr, "error", err)
	}
	s.clients.Remove(c)
	s.emit(domain.Event{Type: domain.EventClientDisconnected, Client: c.ID()})
}

func (s *Server) emit(ev domain.Event) {
	if s.cfg.Events == nil {
		return
	}
	ev.Timestamp = time.Now().UnixMilli()
	select {
	case s.cfg.Events <- ev:
	default:
	}
}
