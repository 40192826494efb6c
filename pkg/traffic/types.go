package traffic

import (
	"net/http"
	"strings"
)

// Header 小写键的头部集合，CDP 事件中的头部名大小写不统一
type Header map[string]string

// Get 按名称取值，名称不区分大小写
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 写入一个头部，名称统一转为小写
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Request 一次网络请求，模拟事件与 requestWillBeSent 解析共用
type Request struct {
	ID           string            // CDP requestId
	LoaderID     string            // CDP loaderId
	URL          string            // 完整URL
	Method       string            // HTTP方法
	Headers      Header            // 请求头
	Body         []byte            // postData
	ResourceType string            // XHR / Fetch / Document ...
}

// Response 与 Request 对应的响应
type Response struct {
	StatusCode int
	StatusText string // 为空时由状态码推导
	MimeType   string
	Headers    Header
	Body       []byte
}

// NewRequest 创建各集合均已初始化的请求
func NewRequest() *Request {
	return &Request{Headers: make(Header)}
}

// HasBody 是否携带请求体
func (r *Request) HasBody() bool { return len(r.Body) > 0 }

// NewResponse 创建 200 响应
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

// Status 返回状态描述
func (r *Response) Status() string {
	if r.StatusText != "" {
		return r.StatusText
	}
	return http.StatusText(r.StatusCode)
}
