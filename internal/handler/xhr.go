package handler

import (
	_ "embed"

	"rninspector/internal/protocol"
)

// xhrLoggerScript 在运行时内替换全局 XMLHttpRequest，把请求生命周期打印到控制台
//
//go:embed xhr_logger.js
var xhrLoggerScript string

// EnableXHRLogging 向运行时注入 XHR 日志脚本
//
// 尽力而为，未连接时不做任何事并返回 false。
func (h *Handler) EnableXHRLogging() bool {
	if !h.connected() {
		h.log.Debug("运行时未连接，跳过 XHR 日志注入")
		return false
	}
	id := ProxyCommandIDBase + h.counter.Next()
	raw, err := protocol.EvaluateCommand(protocol.IntID(id), xhrLoggerScript)
	if err != nil {
		h.log.Err(err, "构造 XHR 日志脚本命令失败")
		return false
	}
	h.trackOwn(id)
	if !h.upstream.Send(raw) {
		h.forgetOwn(id)
		return false
	}
	h.log.Info("已发送 XHR 日志脚本", "id", id)
	return true
}
