package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"rninspector/internal/logger"
	"rninspector/pkg/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Peer 一个已连接的 DevTools 前端
type Peer interface {
	ID() domain.ClientID
	// Send 非阻塞入队，连接已关闭或被丢弃时返回 false
	Send(raw []byte) bool
	IsOpen() bool
	Close() error
}

// Client 基于 gorilla 连接的 Peer，发送经有界队列由单独的写协程完成
type Client struct {
	id   domain.ClientID
	conn *websocket.Conn
	log  logger.Logger

	send      chan []byte
	done      chan struct{}
	open      atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// OnOverflow 队列溢出时在关闭连接前回调
	OnOverflow func(*Client)
}

// NewClient 包装一个已升级的连接
func NewClient(conn *websocket.Conn, queueSize int, l logger.Logger) *Client {
	if l == nil {
		l = logger.NewNop()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	id := domain.ClientID(uuid.NewString())
	c := &Client{
		id:   id,
		conn: conn,
		log:  l.With("client", string(id)),
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

func (c *Client) ID() domain.ClientID { return c.id }

func (c *Client) IsOpen() bool { return c.open.Load() }

// Send 入队一帧消息，队列满时关闭客户端
func (c *Client) Send(raw []byte) bool {
	if !c.open.Load() {
		return false
	}
	select {
	case c.send <- raw:
		return true
	case <-c.done:
		return false
	default:
	}
	c.log.Warn("发送队列已满，断开客户端", "queue", cap(c.send))
	if c.OnOverflow != nil {
		c.OnOverflow(c)
	}
	_ = c.Close()
	return false
}

// Close 关闭连接，可重复调用
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// WritePump 将队列中的消息写到连接，并周期性发送 ping
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "proxy stopping"))
			return
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("写入客户端失败", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump 阻塞读取客户端消息直到连接断开，每帧交给 handle
func (c *Client) ReadPump(maxMessageBytes int64, handle func(raw []byte)) error {
	defer c.Close()
	if maxMessageBytes > 0 {
		c.conn.SetReadLimit(maxMessageBytes)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return err
			}
			return nil
		}
		// 收到任何帧都视为存活
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}
