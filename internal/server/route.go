package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/proxycache/internal/config"
)

// Route 聚合上游配置的派生属性（解析后的 URL、缓存方法等；超时由共享 http.Client 承担），
// 供路由/代理层直接复用，避免每个请求重复解析配置。
type Route struct {
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL 在构造时提前解析完成。
	UpstreamURL *url.URL
	// CacheMethods 为参与缓存的请求方法（已大写）。
	CacheMethods []string
}

// NewRoute 根据配置构建上游路由。调用方应在启动阶段创建一次并复用。
func NewRoute(cfg *config.Config) (*Route, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	upstreamURL, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %s: %w", cfg.Upstream.URL, err)
	}
	if upstreamURL.Scheme == "" || upstreamURL.Host == "" {
		return nil, fmt.Errorf("invalid upstream %s: scheme and host are required", cfg.Upstream.URL)
	}

	methods := make([]string, 0, len(cfg.Upstream.CacheMethods))
	for _, m := range cfg.Upstream.CacheMethods {
		methods = append(methods, strings.ToUpper(strings.TrimSpace(m)))
	}

	return &Route{
		ListenPort:   cfg.Global.ListenPort,
		UpstreamURL:  upstreamURL,
		CacheMethods: methods,
	}, nil
}

// Cacheable 判断请求方法是否参与缓存。
func (r *Route) Cacheable(method string) bool {
	if r == nil {
		return false
	}
	for _, m := range r.CacheMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Resolve 将请求路径与查询串拼接到上游地址上，保留上游自带的路径前缀。
func (r *Route) Resolve(path, rawQuery string) *url.URL {
	target := *r.UpstreamURL
	base := strings.TrimSuffix(target.Path, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target.Path = base + path
	target.RawPath = ""
	target.RawQuery = rawQuery
	return &target
}
