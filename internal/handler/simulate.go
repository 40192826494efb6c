package handler

import (
	"context"
	"strconv"
	"time"

	cdpadapter "rninspector/internal/adapter/cdp"
	"rninspector/internal/metrics"
	"rninspector/internal/protocol"
	"rninspector/pkg/traffic"
)

// 模拟事件之间的间隔
const (
	simulatedResponseDelay = 100 * time.Millisecond
	simulatedFinishDelay   = 200 * time.Millisecond
)

// SimulateNetworkEvents 在没有运行时连接时按固定间隔广播一组模拟的网络事件
//
// 每组依次为 requestWillBeSent、responseReceived、loadingFinished，阻塞直到 ctx 结束。
func (h *Handler) SimulateNetworkEvents(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	h.log.Info("已启动网络事件模拟", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if h.connected() {
				continue
			}
			h.simulateOnce(ctx)
		}
	}
}

// simulateOnce 发出一组模拟事件，后两个事件异步延迟发出
func (h *Handler) simulateOnce(ctx context.Context) {
	req, res := sampleExchange(strconv.FormatInt(h.counter.Next(), 10))

	ev, err := cdpadapter.RequestWillBeSent(req, h.now())
	if !h.emitEvent(protocol.MethodNetworkRequestWillBeSent, ev, err) {
		return
	}

	go func() {
		if !sleepCtx(ctx, simulatedResponseDelay) {
			return
		}
		recv, err := cdpadapter.ResponseReceived(req, res, h.now())
		h.emitEvent(protocol.MethodNetworkResponseReceived, recv, err)

		if !sleepCtx(ctx, simulatedFinishDelay-simulatedResponseDelay) {
			return
		}
		h.emitEvent(protocol.MethodNetworkLoadingFinished, cdpadapter.LoadingFinished(req, res, h.now()), nil)
	}()
}

func (h *Handler) emitEvent(method string, params any, err error) bool {
	if err == nil {
		var raw []byte
		raw, err = protocol.Event(method, params)
		if err == nil {
			h.broadcast(raw)
			h.metrics.Frame(metrics.Simulated, ActionBroadcast)
			return true
		}
	}
	h.log.Err(err, "构造模拟网络事件失败", "method", method)
	return false
}

func sampleExchange(requestID string) (*traffic.Request, *traffic.Response) {
	req := traffic.NewRequest()
	req.ID = requestID
	req.LoaderID = "1"
	req.URL = "https://api.example.com/data"
	req.Method = "GET"
	req.ResourceType = "XHR"
	req.Headers.Set("User-Agent", "React Native App")

	res := traffic.NewResponse()
	res.MimeType = "application/json"
	res.Headers.Set("Content-Type", "application/json")
	res.Body = []byte(`{"simulated":true}`)
	return req, res
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
