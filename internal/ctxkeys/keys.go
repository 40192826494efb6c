package ctxkeys

// TraceIDKey 上下文中的追踪ID，一条下行消息及其派生的存储操作共享同一个值
type TraceIDKey struct{}

// ClientIDKey 上下文中的下行客户端ID
type ClientIDKey struct{}
