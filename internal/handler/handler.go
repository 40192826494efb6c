package handler

import (
	"context"
	"strings"
	"sync"
	"time"

	cdpadapter "rninspector/internal/adapter/cdp"
	"rninspector/internal/cache"
	"rninspector/internal/ctxkeys"
	"rninspector/internal/logger"
	"rninspector/internal/metrics"
	"rninspector/internal/protocol"
	"rninspector/pkg/domain"

	"github.com/google/uuid"
)

// Upstream 到运行时的连接
type Upstream interface {
	Send(raw []byte) bool
	IsConnected() bool
}

// Downstream 向所有 DevTools 前端广播
type Downstream interface {
	Broadcast(raw []byte) int
}

// Replier 发出命令的前端，桩应答只回给它
type Replier interface {
	Send(raw []byte) bool
}

// 每帧的处理结果，同时作为指标标签
const (
	ActionStore      = "store"
	ActionStub       = "stub"
	ActionCacheHit   = "cache_hit"
	ActionForward    = "forward"
	ActionFallback   = "fallback"
	ActionEcho       = "echo"
	ActionEvaluate   = "evaluate"
	ActionDrop       = "drop"
	ActionBroadcast  = "broadcast"
	ActionSuppressed = "suppressed"
)

// Handler 协议拦截层，位于上游连接与下行客户端之间
type Handler struct {
	upstream   Upstream
	downstream Downstream
	store      cache.Store
	counter    *RequestIDCounter

	echoEvaluate  bool
	cachePostData bool

	log     logger.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu sync.Mutex
	// 代理自己发出、尚未收到应答的命令 id
	own map[int64]struct{}
}

// Config 配置选项
type Config struct {
	Upstream   Upstream
	Downstream Downstream
	Store      cache.Store
	Counter    *RequestIDCounter

	// EchoEvaluateResults 将字符串类型的求值结果同时作为控制台日志广播
	EchoEvaluateResults bool
	// CachePostData 从 Network.requestWillBeSent 中缓存请求体，供 getRequestPostData 使用
	CachePostData bool

	Logger  logger.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// New 创建拦截层
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Store == nil {
		cfg.Store = cache.NewMemory()
	}
	if cfg.Counter == nil {
		cfg.Counter = NewRequestIDCounter()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		upstream:      cfg.Upstream,
		downstream:    cfg.Downstream,
		store:         cfg.Store,
		counter:       cfg.Counter,
		echoEvaluate:  cfg.EchoEvaluateResults,
		cachePostData: cfg.CachePostData,
		log:           cfg.Logger.With("component", "interception"),
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		own:           make(map[int64]struct{}),
	}
}

// Counter 返回共享的请求 id 计数器
func (h *Handler) Counter() *RequestIDCounter { return h.counter }

// HandleDownstream 处理来自 DevTools 前端的一帧
//
// from 为发出该帧的客户端，为 nil 时桩应答改为广播。非法 JSON 记录后丢弃。
func (h *Handler) HandleDownstream(ctx context.Context, from Replier, raw []byte) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		h.metrics.Malformed(metrics.Downstream)
		h.log.Warn("丢弃无法解析的前端消息", "error", err, "size", len(raw))
		return
	}
	ctx = context.WithValue(ctx, ctxkeys.TraceIDKey{}, uuid.NewString())
	action := h.routeDownstream(ctx, from, msg)
	h.metrics.Frame(metrics.Downstream, action)
	h.log.Debug("DevTools -> 运行时", "method", msg.Method, "id", string(msg.ID), "action", action)
}

func (h *Handler) routeDownstream(ctx context.Context, from Replier, msg *protocol.Message) string {
	switch {
	case msg.Method == protocol.MethodNetworkResponseBodyData:
		return h.storeResponseBody(ctx, msg)

	case msg.Method == protocol.MethodNetworkEnable || msg.Method == protocol.MethodNetworkDisable:
		// 运行时没有 Network 域，启停由代理直接应答
		h.reply(from, msg, func() ([]byte, error) { return protocol.EmptyResult(msg.ID) })
		return ActionStub

	case msg.Method == protocol.MethodNetworkGetResponseBody:
		return h.getResponseBody(ctx, from, msg)

	case msg.Method == protocol.MethodNetworkGetRequestPostData:
		return h.getRequestPostData(ctx, from, msg)

	case strings.HasPrefix(msg.Method, protocol.NetworkDomainPrefix):
		if msg.Method == protocol.MethodNetworkRequestWillBeSent && h.cachePostData {
			h.primePostData(ctx, msg)
		}
		h.broadcast(msg.Raw())
		return ActionEcho

	case msg.Method == protocol.MethodRuntimeEvaluate && isLoggingExpression(msg.Param("expression").String()):
		if h.connected() {
			return h.rewrapEvaluate(msg)
		}
	}

	if h.connected() && h.upstream.Send(msg.Raw()) {
		return ActionForward
	}
	return ActionDrop
}

func isLoggingExpression(expr string) bool {
	return strings.Contains(expr, "console.log") || strings.Contains(expr, "XMLHttpRequest")
}

// storeResponseBody 缓存插桩推送的响应体，不转发也不应答
func (h *Handler) storeResponseBody(ctx context.Context, msg *protocol.Message) string {
	requestID := msg.Param("requestId").String()
	if requestID == "" {
		h.log.Warn("responseBodyData 缺少 requestId，已忽略")
		return ActionDrop
	}
	body := domain.ResponseBody{
		Body:          msg.Param("body").String(),
		Base64Encoded: msg.Param("base64Encoded").Bool(),
	}
	if err := h.store.Put(ctx, cache.KindResponseBody, requestID, body); err != nil {
		h.log.Err(err, "缓存响应体失败", "requestId", requestID)
		return ActionDrop
	}
	h.log.Debug("已缓存响应体", "requestId", requestID, "bytes", len(body.Body), "base64", body.Base64Encoded)
	return ActionStore
}

// getResponseBody 缓存优先，其次转发上游，都不可用时返回空响应体
func (h *Handler) getResponseBody(ctx context.Context, from Replier, msg *protocol.Message) string {
	requestID := msg.Param("requestId").String()
	if body, ok := h.lookup(ctx, cache.KindResponseBody, requestID); ok {
		h.reply(from, msg, func() ([]byte, error) {
			return protocol.ResponseBody(msg.ID, body.Body, body.Base64Encoded)
		})
		return ActionCacheHit
	}
	if h.connected() && h.upstream.Send(msg.Raw()) {
		return ActionForward
	}
	h.log.Debug("运行时未连接，返回空响应体", "requestId", requestID)
	h.reply(from, msg, func() ([]byte, error) { return protocol.ResponseBody(msg.ID, "", false) })
	return ActionFallback
}

func (h *Handler) getRequestPostData(ctx context.Context, from Replier, msg *protocol.Message) string {
	requestID := msg.Param("requestId").String()
	if h.cachePostData {
		if pd, ok := h.lookup(ctx, cache.KindPostData, requestID); ok {
			h.reply(from, msg, func() ([]byte, error) { return protocol.PostData(msg.ID, pd.Body) })
			return ActionCacheHit
		}
	}
	if h.connected() && h.upstream.Send(msg.Raw()) {
		return ActionForward
	}
	h.reply(from, msg, func() ([]byte, error) { return protocol.PostData(msg.ID, "") })
	return ActionFallback
}

// primePostData 记录插桩上报的请求体
func (h *Handler) primePostData(ctx context.Context, msg *protocol.Message) {
	req, err := cdpadapter.RequestFromEvent(msg.Params)
	if err != nil {
		h.log.Debug("requestWillBeSent 参数无法解析", "error", err)
		return
	}
	if req.ID == "" || !req.HasBody() {
		return
	}
	if err := h.store.Put(ctx, cache.KindPostData, req.ID, domain.ResponseBody{Body: string(req.Body)}); err != nil {
		h.log.Err(err, "缓存请求体失败", "requestId", req.ID)
		return
	}
	h.log.Debug("已缓存请求体", "requestId", req.ID, "method", req.Method, "url", req.URL)
}

func (h *Handler) lookup(ctx context.Context, kind cache.Kind, requestID string) (domain.ResponseBody, bool) {
	if requestID == "" {
		h.metrics.CacheLookup(string(kind), "miss")
		return domain.ResponseBody{}, false
	}
	body, ok, err := h.store.Get(ctx, kind, requestID)
	switch {
	case err != nil:
		h.metrics.CacheLookup(string(kind), "error")
		h.log.Err(err, "读取缓存失败", "kind", string(kind), "requestId", requestID)
		return domain.ResponseBody{}, false
	case ok:
		h.metrics.CacheLookup(string(kind), "hit")
	default:
		h.metrics.CacheLookup(string(kind), "miss")
	}
	return body, ok
}

// rewrapEvaluate 以 returnByValue + userGesture 重新发出求值命令，保留原 id
func (h *Handler) rewrapEvaluate(msg *protocol.Message) string {
	raw, err := protocol.EvaluateCommand(msg.ID, msg.Param("expression").String())
	if err == nil {
		raw, err = protocol.WithSessionID(raw, msg.SessionID)
	}
	if err != nil {
		h.log.Err(err, "构造 Runtime.evaluate 失败")
		return ActionDrop
	}
	if !h.upstream.Send(raw) {
		return ActionDrop
	}
	return ActionEvaluate
}

// HandleUpstream 处理来自运行时的一帧，调用方需保证按到达顺序串行调用
func (h *Handler) HandleUpstream(_ context.Context, raw []byte) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		h.metrics.Malformed(metrics.Upstream)
		h.log.Warn("丢弃无法解析的运行时消息", "error", err, "size", len(raw))
		return
	}
	action := h.routeUpstream(msg)
	h.metrics.Frame(metrics.Upstream, action)
	h.log.Debug("运行时 -> DevTools", "method", msg.Method, "id", string(msg.ID), "action", action)
}

func (h *Handler) routeUpstream(msg *protocol.Message) string {
	if msg.Kind() == protocol.KindResponse {
		action := ActionBroadcast
		if id, ok := msg.IDInt(); ok && h.takeOwn(id) {
			// 代理自己发出的命令，前端并不认识这个 id
			action = ActionSuppressed
		} else {
			h.broadcast(msg.Raw())
		}
		if msg.HasResult() {
			h.echoResult(msg)
		}
		return action
	}
	h.broadcast(msg.Raw())
	return ActionBroadcast
}

// echoResult 将字符串求值结果作为一条控制台日志广播
func (h *Handler) echoResult(msg *protocol.Message) {
	if !h.echoEvaluate {
		return
	}
	if msg.ResultField("result.type").String() != "string" {
		return
	}
	value := msg.ResultField("result.value").String()
	if value == "" {
		return
	}
	raw, err := protocol.ConsoleLog(protocol.ConsoleTag+value, h.now())
	if err != nil {
		h.log.Err(err, "构造控制台事件失败")
		return
	}
	h.broadcast(raw)
}

func (h *Handler) reply(from Replier, msg *protocol.Message, build func() ([]byte, error)) {
	raw, err := build()
	if err != nil {
		h.log.Err(err, "构造应答失败", "method", msg.Method)
		return
	}
	if from == nil {
		h.broadcast(raw)
		return
	}
	if !from.Send(raw) {
		h.log.Debug("应答未送达，客户端已关闭", "method", msg.Method)
	}
}

func (h *Handler) broadcast(raw []byte) {
	if h.downstream == nil {
		return
	}
	h.downstream.Broadcast(raw)
}

func (h *Handler) connected() bool {
	return h.upstream != nil && h.upstream.IsConnected()
}

// ResetUpstream 上游重新建连后调用，旧连接上未应答的代理命令不会再有应答
func (h *Handler) ResetUpstream() {
	h.mu.Lock()
	n := len(h.own)
	clear(h.own)
	h.mu.Unlock()
	if n > 0 {
		h.log.Debug("丢弃旧连接上未应答的代理命令", "count", n)
	}
}

func (h *Handler) trackOwn(id int64) {
	h.mu.Lock()
	h.own[id] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) forgetOwn(id int64) {
	h.mu.Lock()
	delete(h.own, id)
	h.mu.Unlock()
}

func (h *Handler) takeOwn(id int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.own[id]; ok {
		delete(h.own, id)
		return true
	}
	return false
}

// StoredResponseBody 返回缓存的响应体
func (h *Handler) StoredResponseBody(ctx context.Context, requestID string) (domain.ResponseBody, bool, error) {
	return h.store.Get(ctx, cache.KindResponseBody, requestID)
}

// StoredResponseCount 缓存的响应体数量
func (h *Handler) StoredResponseCount(ctx context.Context) (int, error) {
	return h.store.Len(ctx, cache.KindResponseBody)
}

// ClearStoredResponses 清空缓存
func (h *Handler) ClearStoredResponses(ctx context.Context) error {
	if err := h.store.Clear(ctx); err != nil {
		return err
	}
	h.log.Info("已清空缓存的响应体")
	return nil
}
