package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

var supportedCacheMethods = map[string]struct{}{
	http.MethodGet:  {},
	http.MethodHead: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxCacheSize <= 0 {
		return newFieldError("Global.MaxCacheSize", "必须大于 0")
	}
	if g.CacheMaxAge.DurationValue() < 0 {
		return newFieldError("Global.CacheMaxAge", "不能为负数（0 表示关闭）")
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxSize/LogMaxBackups", "不能为负数")
	}

	u := c.Upstream
	if err := validateUpstream(u.URL); err != nil {
		return fmt.Errorf("Upstream.URL: %w", err)
	}
	if u.Timeout.DurationValue() <= 0 {
		return newFieldError("Upstream.Timeout", "必须大于 0")
	}
	for _, method := range u.CacheMethods {
		if _, ok := supportedCacheMethods[method]; !ok {
			return newFieldError("Upstream.CacheMethods", "仅支持 GET/HEAD，得到 "+method)
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
