package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"rninspector/internal/rules"
	"rninspector/pkg/domain"
)

var (
	// ErrNotFound 目标列表为空或没有可连接的调试地址
	ErrNotFound = errors.New("no inspectable target")
	// ErrTimeout 发现请求或连接建立超时
	ErrTimeout = errors.New("timed out")
	// ErrHTTP 发现端点不可达或返回非 2xx
	ErrHTTP = errors.New("discovery http error")
	// ErrDialFailed 上游 WebSocket 建连失败
	ErrDialFailed = errors.New("upstream dial failed")
	// ErrClosed 管理器已停止
	ErrClosed = errors.New("upstream manager closed")
)

// DefaultDiscoveryTimeout 发现请求的默认超时
const DefaultDiscoveryTimeout = 5 * time.Second

// DiscoveryError 目标发现失败，Kind 为 ErrNotFound / ErrTimeout / ErrHTTP 之一
type DiscoveryError struct {
	Kind   error
	URL    string
	Status int
	Err    error
}

func (e *DiscoveryError) Error() string {
	var b strings.Builder
	b.WriteString("discover ")
	b.WriteString(e.URL)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DiscoveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ListTargets 请求 {baseURL}/json 并解析目标列表
func ListTargets(ctx context.Context, client *http.Client, baseURL string, timeout time.Duration) ([]domain.InspectorTarget, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	endpoint := strings.TrimSuffix(baseURL, "/") + "/json"

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &DiscoveryError{Kind: ErrHTTP, URL: endpoint, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &DiscoveryError{Kind: ErrTimeout, URL: endpoint, Err: err}
		}
		return nil, &DiscoveryError{Kind: ErrHTTP, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &DiscoveryError{Kind: ErrHTTP, URL: endpoint, Status: resp.StatusCode}
	}

	var targets []domain.InspectorTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		if isTimeout(ctx, err) {
			return nil, &DiscoveryError{Kind: ErrTimeout, URL: endpoint, Err: err}
		}
		return nil, &DiscoveryError{Kind: ErrHTTP, URL: endpoint, Status: resp.StatusCode, Err: err}
	}
	return targets, nil
}

// Discover 拉取目标列表并按偏好选出一个可连接的目标，返回命中的档位名称
func Discover(ctx context.Context, client *http.Client, baseURL string, timeout time.Duration, engine *rules.Engine) (domain.InspectorTarget, string, error) {
	targets, err := ListTargets(ctx, client, baseURL, timeout)
	if err != nil {
		return domain.InspectorTarget{}, "", err
	}
	candidates := Connectable(targets)
	if len(candidates) == 0 {
		return domain.InspectorTarget{}, "", &DiscoveryError{
			Kind: ErrNotFound,
			URL:  strings.TrimSuffix(baseURL, "/") + "/json",
		}
	}
	if engine == nil {
		engine = rules.New(rules.DefaultPreferences())
	}
	idx, tier := engine.Select(candidates)
	return candidates[idx], tier, nil
}

// Connectable 过滤出带有 WebSocket 调试地址的目标，保持原有顺序
func Connectable(targets []domain.InspectorTarget) []domain.InspectorTarget {
	out := make([]domain.InspectorTarget, 0, len(targets))
	for _, t := range targets {
		if t.DebuggerURL() != "" {
			out = append(out, t)
		}
	}
	return out
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
