package cdp

import (
	"encoding/json"
	"time"

	"rninspector/pkg/traffic"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/tidwall/gjson"
)

// RequestFromEvent 将 Network.requestWillBeSent 的 params 转换为中立 Request 模型
func RequestFromEvent(params []byte) (*traffic.Request, error) {
	var ev network.RequestWillBeSentReply
	if err := json.Unmarshal(params, &ev); err != nil {
		return nil, err
	}
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.LoaderID = string(ev.LoaderID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.Type)

	// 处理 Header
	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}

	// postData 字段在协议中已标记为过时，直接按路径读取
	if pd := gjson.GetBytes(params, "request.postData"); pd.Exists() {
		req.Body = []byte(pd.String())
	}

	return req, nil
}

// RequestWillBeSent 构造请求发出事件的 params
func RequestWillBeSent(req *traffic.Request, at time.Time) (*network.RequestWillBeSentReply, error) {
	headers, err := toHeaders(req.Headers)
	if err != nil {
		return nil, err
	}
	ev := &network.RequestWillBeSentReply{
		RequestID:   network.RequestID(req.ID),
		LoaderID:    network.LoaderID(req.LoaderID),
		DocumentURL: req.URL,
		Request: network.Request{
			URL:     req.URL,
			Method:  req.Method,
			Headers: headers,
		},
		Timestamp: network.MonotonicTime(seconds(at)),
		WallTime:  network.TimeSinceEpoch(seconds(at)),
	}
	ev.Initiator.Type = "script"
	if req.ResourceType != "" {
		ev.Type = network.ResourceType(req.ResourceType)
	}
	return ev, nil
}

// ResponseReceived 构造响应到达事件的 params
func ResponseReceived(req *traffic.Request, res *traffic.Response, at time.Time) (*network.ResponseReceivedReply, error) {
	headers, err := toHeaders(res.Headers)
	if err != nil {
		return nil, err
	}
	resourceType := req.ResourceType
	if resourceType == "" {
		resourceType = "XHR"
	}
	return &network.ResponseReceivedReply{
		RequestID: network.RequestID(req.ID),
		LoaderID:  network.LoaderID(req.LoaderID),
		Timestamp: network.MonotonicTime(seconds(at)),
		Type:      network.ResourceType(resourceType),
		Response: network.Response{
			URL:        req.URL,
			Status:     res.StatusCode,
			StatusText: res.Status(),
			Headers:    headers,
			MimeType:   res.MimeType,
		},
	}, nil
}

// LoadingFinished 构造加载完成事件的 params
func LoadingFinished(req *traffic.Request, res *traffic.Response, at time.Time) *network.LoadingFinishedReply {
	return &network.LoadingFinishedReply{
		RequestID:         network.RequestID(req.ID),
		Timestamp:         network.MonotonicTime(seconds(at)),
		EncodedDataLength: float64(len(res.Body)),
	}
}

// toHeaders 将中立 Header 转换为 CDP Headers 对象
func toHeaders(h traffic.Header) (network.Headers, error) {
	if len(h) == 0 {
		return network.Headers("{}"), nil
	}
	b, err := json.Marshal(map[string]string(h))
	if err != nil {
		return nil, err
	}
	return network.Headers(b), nil
}

func seconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
