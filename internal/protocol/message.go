package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrMalformed 帧不是合法的 CDP JSON 对象
var ErrMalformed = errors.New("malformed cdp message")

// Kind 消息类别
type Kind int

const (
	KindUnknown  Kind = iota
	KindCommand       // id + method
	KindEvent         // method，无 id
	KindResponse      // id + result/error，无 method
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message 一帧 CDP 消息
//
// 字段只解到信封一级，params / result 保留原始 JSON，转发时使用未修改的原始帧。
type Message struct {
	ID        json.RawMessage `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`

	raw []byte
}

// Parse 解析一帧消息，非 JSON 对象返回 ErrMalformed
func Parse(raw []byte) (*Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m.raw = raw
	return &m, nil
}

// Raw 返回原始帧
func (m *Message) Raw() []byte { return m.raw }

// HasID 是否携带非 null 的 id
func (m *Message) HasID() bool { return present(m.ID) }

// HasResult 是否携带非 null 的 result
func (m *Message) HasResult() bool { return present(m.Result) }

// Kind 按 method / id / result 的有无分类
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.HasID():
		return KindCommand
	case m.Method != "":
		return KindEvent
	case m.HasID() && (m.HasResult() || present(m.Error)):
		return KindResponse
	default:
		return KindUnknown
	}
}

// Param 按 gjson 路径读取 params 中的字段
func (m *Message) Param(path string) gjson.Result {
	if len(m.Params) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(m.Params, path)
}

// ResultField 按 gjson 路径读取 result 中的字段
func (m *Message) ResultField(path string) gjson.Result {
	if len(m.Result) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(m.Result, path)
}

// IDInt 返回整型 id，非整数时 ok 为 false
func (m *Message) IDInt() (int64, bool) {
	if !m.HasID() {
		return 0, false
	}
	r := gjson.ParseBytes(m.ID)
	if r.Type != gjson.Number {
		return 0, false
	}
	return r.Int(), true
}

func present(r json.RawMessage) bool {
	return len(r) > 0 && string(r) != "null"
}
