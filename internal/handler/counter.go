package handler

import "sync/atomic"

// ProxyCommandIDBase 代理自行发往运行时的命令 id 从这里开始编号，避开前端使用的小整数
const ProxyCommandIDBase int64 = 1 << 30

// RequestIDCounter 进程内单调递增的计数器，起始值为 1，值不会重复使用
type RequestIDCounter struct {
	next atomic.Int64
}

// NewRequestIDCounter 创建计数器
func NewRequestIDCounter() *RequestIDCounter {
	c := &RequestIDCounter{}
	c.next.Store(1)
	return c
}

// Current 返回下一次将分配的值
func (c *RequestIDCounter) Current() int64 { return c.next.Load() }

// Next 分配一个值并递增
func (c *RequestIDCounter) Next() int64 { return c.next.Add(1) - 1 }
