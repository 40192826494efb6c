package api

import (
	"context"

	"rninspector/internal/config"
	"rninspector/internal/logger"
	"rninspector/internal/service"
	"rninspector/pkg/domain"
)

// Service 服务接口
type Service interface {
	// Start 绑定代理端口并开始连接运行时
	Start(ctx context.Context) error

	// Stop 停止代理，断开所有连接
	Stop() error

	// Run 启动并阻塞到 ctx 结束
	Run(ctx context.Context) error

	// ConnectionStatus 获取连接状态
	ConnectionStatus() domain.ConnectionStatus

	// IsConnected 运行时是否已连接
	IsConnected() bool

	// EnableXHRLogging 注入 XHR 日志脚本
	EnableXHRLogging() bool

	// SimulateNetworkEvents 启动模拟网络事件
	SimulateNetworkEvents()

	// StoredResponseBody 获取缓存的响应体
	StoredResponseBody(ctx context.Context, requestID string) (domain.ResponseBody, bool, error)

	// StoredResponseCount 获取缓存的响应体数量
	StoredResponseCount(ctx context.Context) (int, error)

	// ClearStoredResponses 清空缓存
	ClearStoredResponses(ctx context.Context) error

	// RequestIDCounter 当前请求 id 计数
	RequestIDCounter() int64

	// IncrementRequestIDCounter 分配一个请求 id
	IncrementRequestIDCounter() int64

	// Events 订阅生命周期事件
	Events() <-chan domain.Event

	// Addr 代理监听地址
	Addr() string
}

var _ Service = (*service.InspectorProxy)(nil)

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	return service.New(cfg, l)
}
