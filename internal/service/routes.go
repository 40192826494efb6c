package service

import (
	"encoding/json"
	"net/http"

	"rninspector/pkg/domain"

	"github.com/mafredri/cdp/devtool"
)

// 前端连接代理时使用的路径，实际上任意路径都会被接受
const debuggerPath = "/inspector/debug"

func (p *InspectorProxy) mountRoutes() {
	r := p.server.Router()
	r.Get("/json", p.handleJSONList)
	r.Get("/json/list", p.handleJSONList)
	r.Get("/json/version", p.handleJSONVersion)
	r.Get("/status", p.handleStatus)
	if p.metrics != nil {
		r.Handle("/metrics", p.metrics.Handler())
	}
}

// handleJSONList 以 /json 格式列出代理自身，调试地址指向代理而不是运行时
func (p *InspectorProxy) handleJSONList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, []domain.InspectorTarget{p.advertisedTarget(r.Host)})
}

func (p *InspectorProxy) advertisedTarget(host string) domain.InspectorTarget {
	target, ok := p.upstream.Target()
	if !ok {
		target = domain.InspectorTarget{
			Target: devtool.Target{
				ID:    "rninspector",
				Title: "React Native (waiting for runtime)",
				Type:  devtool.Node,
			},
		}
	}
	ws := host + debuggerPath
	target.WebSocketDebuggerURL = "ws://" + ws
	target.DevToolsFrontendURL = "devtools://devtools/bundled/js_app.html?experiments=true&v8only=true&ws=" + ws
	return target
}

func (p *InspectorProxy) handleJSONVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"Browser":              "rninspector/" + p.cfg.Version,
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": "ws://" + r.Host + debuggerPath,
	})
}

func (p *InspectorProxy) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, p.ConnectionStatus())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
