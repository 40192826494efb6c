package protocol

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/tidwall/sjson"
)

// 拦截层关心的 CDP 方法
const (
	MethodNetworkEnable             = "Network.enable"
	MethodNetworkDisable            = "Network.disable"
	MethodNetworkGetResponseBody    = "Network.getResponseBody"
	MethodNetworkGetRequestPostData = "Network.getRequestPostData"
	MethodNetworkResponseBodyData   = "Network.responseBodyData"
	MethodNetworkRequestWillBeSent  = "Network.requestWillBeSent"
	MethodNetworkResponseReceived   = "Network.responseReceived"
	MethodNetworkLoadingFinished    = "Network.loadingFinished"
	MethodRuntimeEvaluate           = "Runtime.evaluate"
	MethodRuntimeConsoleAPICalled   = "Runtime.consoleAPICalled"

	NetworkDomainPrefix = "Network."
)

// ConsoleTag 求值结果转为控制台日志时的前缀
const ConsoleTag = "[React Native] "

// DefaultExecutionContextID 合成控制台事件使用的执行上下文
const DefaultExecutionContextID = 1

type response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result"`
}

type command struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params any             `json:"params,omitempty"`
}

type event struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// EmptyResult 构造 {id, result: {}}
func EmptyResult(id json.RawMessage) ([]byte, error) {
	return json.Marshal(response{ID: id, Result: struct{}{}})
}

// ResponseBody 构造 Network.getResponseBody 的应答
func ResponseBody(id json.RawMessage, body string, base64Encoded bool) ([]byte, error) {
	return json.Marshal(response{ID: id, Result: network.GetResponseBodyReply{
		Body:          body,
		Base64Encoded: base64Encoded,
	}})
}

// PostData 构造 Network.getRequestPostData 的应答
func PostData(id json.RawMessage, postData string) ([]byte, error) {
	return json.Marshal(response{ID: id, Result: network.GetRequestPostDataReply{PostData: postData}})
}

// EvaluateCommand 构造 returnByValue + userGesture 的 Runtime.evaluate 命令
func EvaluateCommand(id json.RawMessage, expression string) ([]byte, error) {
	args := runtime.NewEvaluateArgs(expression).SetReturnByValue(true).SetUserGesture(true)
	return json.Marshal(command{ID: id, Method: MethodRuntimeEvaluate, Params: args})
}

// IntID 将整型 id 编码为原始 JSON
func IntID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// ConsoleLog 构造一条 log 级别的 Runtime.consoleAPICalled 事件，时间戳单位为秒
func ConsoleLog(text string, at time.Time) ([]byte, error) {
	value, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	params := runtime.ConsoleAPICalledReply{
		Type: "log",
		Args: []runtime.RemoteObject{{
			Type:  "string",
			Value: value,
		}},
		ExecutionContextID: DefaultExecutionContextID,
		Timestamp:          runtime.Timestamp(float64(at.UnixMilli()) / 1000),
	}
	return Event(MethodRuntimeConsoleAPICalled, params)
}

// Event 构造任意 CDP 事件
func Event(method string, params any) ([]byte, error) {
	return json.Marshal(event{Method: method, Params: params})
}

// WithSessionID 为帧附加 sessionId，空值时原样返回
func WithSessionID(raw []byte, sessionID string) ([]byte, error) {
	if sessionID == "" {
		return raw, nil
	}
	return sjson.SetBytes(raw, "sessionId", sessionID)
}
