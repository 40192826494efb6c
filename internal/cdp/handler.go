package cdp

import (
	"rninspector/pkg/domain"

	"github.com/gorilla/websocket"
)

// readLoop 读取一条上游连接上的所有帧并按到达顺序交给回调
//
// 连接断开后若它仍是当前连接，则迁移状态并安排重连。
func (m *Manager) readLoop(conn *websocket.Conn, url string, handle func(raw []byte)) {
	defer m.readers.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, url, err)
			return
		}
		if handle != nil {
			handle(data)
		}
	}
}

// handleClose 处理一次上游断开
func (m *Manager) handleClose(conn *websocket.Conn, url string, err error) {
	_ = conn.Close()

	m.mu.Lock()
	// 已被新连接取代或管理器已停止
	if m.conn != conn || m.stopped {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if clean {
		m.state = domain.StateClosed
	} else {
		m.state = domain.StateError
	}
	m.mu.Unlock()

	if clean {
		m.log.Info("运行时 inspector 连接已关闭", "url", url)
		m.emit(domain.Event{Type: domain.EventUpstreamClosed, Target: url})
	} else {
		m.log.Err(err, "运行时 inspector 连接中断", "url", url)
		m.emit(domain.Event{Type: domain.EventUpstreamError, Target: url, Error: err.Error()})
	}
	m.ScheduleReconnect()
}
