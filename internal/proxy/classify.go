package proxy

import "strings"

// Route 是拦截器对请求的三类路由决策。
type Route int

const (
	// RouteRoot 命中应用根路径，改为查找 scope + index.html。
	RouteRoot Route = iota
	// RouteBackend 含后端标记的实时 API 请求，始终透传。
	RouteBackend
	// RouteAsset 其余请求，按原始目标查缓存。
	RouteAsset
)

func (r Route) String() string {
	switch r {
	case RouteRoot:
		return "root"
	case RouteBackend:
		return "backend"
	default:
		return "asset"
	}
}

// Classify 是纯函数：根据请求目标（path[?query]）、作用域与后端标记给出路由和缓存键。
// RouteBackend 不返回缓存键。
func Classify(target, scope, backendMarker string) (Route, string) {
	if target == scope {
		return RouteRoot, scope + "index.html"
	}
	if backendMarker != "" && strings.Contains(target, backendMarker) {
		return RouteBackend, ""
	}
	return RouteAsset, target
}
