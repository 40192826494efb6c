package session

import (
	"sync"

	"rninspector/internal/logger"
)

// Manager 已连接前端的集合，以连接本身为键
type Manager struct {
	mu    sync.RWMutex
	peers map[Peer]struct{}
	log   logger.Logger
}

// NewManager 创建客户端集合
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		peers: make(map[Peer]struct{}),
		log:   l,
	}
}

// Add 注册客户端
func (m *Manager) Add(p Peer) {
	m.mu.Lock()
	m.peers[p] = struct{}{}
	n := len(m.peers)
	m.mu.Unlock()
	m.log.Info("DevTools 客户端已连接", "client", string(p.ID()), "clients", n)
}

// Remove 移除客户端，返回是否确实存在
func (m *Manager) Remove(p Peer) bool {
	m.mu.Lock()
	_, ok := m.peers[p]
	delete(m.peers, p)
	n := len(m.peers)
	m.mu.Unlock()
	if ok {
		m.log.Info("DevTools 客户端已断开", "client", string(p.ID()), "clients", n)
	}
	return ok
}

// Len 当前客户端数量
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// List 返回所有客户端
func (m *Manager) List() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]Peer, 0, len(m.peers))
	for p := range m.peers {
		list = append(list, p)
	}
	return list
}

// Broadcast 向所有处于打开状态的客户端发送同一帧，返回成功入队的数量
//
// 遍历中发现未打开或入队失败的客户端会被顺带移除。
func (m *Manager) Broadcast(raw []byte) int {
	var sent int
	var stale []Peer
	for _, p := range m.List() {
		if !p.IsOpen() {
			stale = append(stale, p)
			continue
		}
		if p.Send(raw) {
			sent++
		} else {
			stale = append(stale, p)
		}
	}
	for _, p := range stale {
		m.Remove(p)
	}
	return sent
}

// CloseAll 关闭并清空所有客户端
func (m *Manager) CloseAll() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[Peer]struct{})
	m.mu.Unlock()
	for p := range peers {
		_ = p.Close()
	}
}
