package metrics

import (
	"net/http"

	"rninspector/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 帧方向
const (
	Downstream = "downstream"
	Upstream   = "upstream"
	// Simulated 代理合成的模拟网络事件
	Simulated = "simulated"
)

// Recorder 单个代理实例的指标集合，使用独立的 Registry 以便同进程内多实例并存
//
// 所有方法对 nil 接收者安全，关闭指标时直接传 nil。
type Recorder struct {
	reg *prometheus.Registry

	frames        *prometheus.CounterVec
	malformed     *prometheus.CounterVec
	reconnects    prometheus.Counter
	cacheLookups  *prometheus.CounterVec
	droppedClient prometheus.Counter
}

// New 创建指标集合，status 在每次抓取时调用以生成连接状态类指标
func New(namespace string, status func() domain.ConnectionStatus) *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		reg: reg,
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "CDP frames handled by the interception layer.",
		}, []string{"direction", "action"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Frames dropped because they were not valid CDP JSON.",
		}, []string{"direction"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnect_attempts_total",
			Help:      "Reconnect attempts against the runtime inspector.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Body cache lookups by kind and outcome.",
		}, []string{"kind", "outcome"}),
		droppedClient: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downstream_clients_dropped_total",
			Help:      "DevTools clients closed because their send queue overflowed.",
		}),
	}
	reg.MustRegister(r.frames, r.malformed, r.reconnects, r.cacheLookups, r.droppedClient)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if status != nil {
		reg.MustRegister(newStatusCollector(namespace, status))
	}
	return r
}

// Frame 记录一帧的处理结果
func (r *Recorder) Frame(direction, action string) {
	if r == nil {
		return
	}
	r.frames.WithLabelValues(direction, action).Inc()
}

// Malformed 记录一帧被丢弃的非法消息
func (r *Recorder) Malformed(direction string) {
	if r == nil {
		return
	}
	r.malformed.WithLabelValues(direction).Inc()
}

// Reconnect 记录一次重连尝试
func (r *Recorder) Reconnect() {
	if r == nil {
		return
	}
	r.reconnects.Inc()
}

// CacheLookup 记录一次缓存查找，outcome 为 hit / miss / error
func (r *Recorder) CacheLookup(kind, outcome string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(kind, outcome).Inc()
}

// ClientDropped 记录一个因队列溢出被关闭的客户端
func (r *Recorder) ClientDropped() {
	if r == nil {
		return
	}
	r.droppedClient.Inc()
}

// Handler 返回 /metrics 处理器
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// statusCollector 抓取时读取连接状态快照
type statusCollector struct {
	status func() domain.ConnectionStatus

	upstream           *prometheus.Desc
	proxy              *prometheus.Desc
	clients            *prometheus.Desc
	reconnectScheduled *prometheus.Desc
	storedResponses    *prometheus.Desc
}

func newStatusCollector(namespace string, status func() domain.ConnectionStatus) *statusCollector {
	fqName := func(name string) string {
		return prometheus.BuildFQName(namespace, "", name)
	}
	return &statusCollector{
		status: status,
		upstream: prometheus.NewDesc(
			fqName("upstream_connected"),
			"Whether the runtime inspector connection is open (1) or not (0).",
			[]string{"state"}, nil,
		),
		proxy: prometheus.NewDesc(
			fqName("proxy_listening"),
			"Whether the DevTools listener is running.",
			nil, nil,
		),
		clients: prometheus.NewDesc(
			fqName("devtools_clients"),
			"Number of connected DevTools frontends.",
			nil, nil,
		),
		reconnectScheduled: prometheus.NewDesc(
			fqName("reconnect_scheduled"),
			"Whether a reconnect timer is pending.",
			nil, nil,
		),
		storedResponses: prometheus.NewDesc(
			fqName("stored_response_bodies"),
			"Response bodies held in the cache.",
			nil, nil,
		),
	}
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.upstream
	ch <- c.proxy
	ch <- c.clients
	ch <- c.reconnectScheduled
	ch <- c.storedResponses
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.status()
	ch <- prometheus.MustNewConstMetric(c.upstream, prometheus.GaugeValue, boolValue(s.ReactNative), string(s.UpstreamState))
	ch <- prometheus.MustNewConstMetric(c.proxy, prometheus.GaugeValue, boolValue(s.ProxyServer))
	ch <- prometheus.MustNewConstMetric(c.clients, prometheus.GaugeValue, float64(s.DevToolsClients))
	ch <- prometheus.MustNewConstMetric(c.reconnectScheduled, prometheus.GaugeValue, boolValue(s.ReconnectScheduled))
	ch <- prometheus.MustNewConstMetric(c.storedResponses, prometheus.GaugeValue, float64(s.StoredResponses))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
