package cache

import (
	"context"
	"sync"

	"rninspector/pkg/domain"
)

// Kind 缓存分区
type Kind string

const (
	// KindResponseBody Network.responseBodyData 推送的响应体
	KindResponseBody Kind = "response"
	// KindPostData Network.requestWillBeSent 携带的请求体
	KindPostData Kind = "postdata"
)

// Store 按 (kind, requestId) 保存请求/响应体，条目不会自动过期
//
// Get 的 ok 为 false 表示未命中，不是错误。
type Store interface {
	Put(ctx context.Context, kind Kind, requestID string, body domain.ResponseBody) error
	Get(ctx context.Context, kind Kind, requestID string) (domain.ResponseBody, bool, error)
	Len(ctx context.Context, kind Kind) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

type key struct {
	kind Kind
	id   string
}

// Memory 进程内缓存
type Memory struct {
	mu      sync.RWMutex
	entries map[key]domain.ResponseBody
}

// NewMemory 创建进程内缓存
func NewMemory() *Memory {
	return &Memory{entries: make(map[key]domain.ResponseBody)}
}

func (m *Memory) Put(_ context.Context, kind Kind, requestID string, body domain.ResponseBody) error {
	m.mu.Lock()
	m.entries[key{kind, requestID}] = body
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, kind Kind, requestID string) (domain.ResponseBody, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.entries[key{kind, requestID}]
	return b, ok, nil
}

func (m *Memory) Len(_ context.Context, kind Kind) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.entries {
		if k.kind == kind {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	clear(m.entries)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
