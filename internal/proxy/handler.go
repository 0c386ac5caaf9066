package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/proxycache/internal/cache"
	"github.com/any-hub/proxycache/internal/logging"
	"github.com/any-hub/proxycache/internal/server"
)

const (
	headerCacheHit = "X-Proxycache-Cache-Hit"
	headerUpstream = "X-Proxycache-Upstream"
)

// firstChunkSize 是命中时预读的字节数，用于在写响应头之前确认数据文件可读。
const firstChunkSize = 32 * 1024

// Store 是代理依赖的缓存能力，*cache.Cache 满足该接口。
type Store interface {
	Ready() bool
	Get(key string) (*cache.Entry, bool)
	Metadata(key string) (*cache.Record, error)
	Set(ctx context.Context, key string, src io.Reader, opts cache.SetOptions) bool
}

// Handler 负责 orchestrate “缓存命中 → 回源 → 边转发边写缓存” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 http.Client 与磁盘缓存。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
	store  Store
}

// NewHandler constructs a proxy handler with shared HTTP client/logger/store.
func NewHandler(client *http.Client, logger *logrus.Logger, store Store) *Handler {
	return &Handler{
		client: client,
		logger: logger,
		store:  store,
	}
}

// Handle 执行缓存查找、回源和最终 streaming 逻辑，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.Route) error {
	started := time.Now()
	requestID := server.RequestID(c)
	cleanPath := normalizeRequestPath(string(c.Request().URI().Path()))
	rawQuery := string(c.Request().URI().QueryString())
	key := CacheKey(cleanPath, rawQuery)

	cacheable := route.Cacheable(c.Method()) && h.store != nil && h.store.Ready()
	if cacheable {
		if entry, ok := h.store.Get(key); ok {
			served, err := h.serveCache(c, route, key, entry, requestID, started)
			if served {
				return err
			}
			h.logger.WithError(err).
				WithFields(logging.CacheFields("cache_read", key)).
				Warn("cache_read_failed")
		}
	}

	return h.fetchAndStream(c, route, key, cleanPath, rawQuery, cacheable, requestID, started)
}

// serveCache 返回 served=false 时尚未写出任何响应，调用方可以安全回源。
func (h *Handler) serveCache(
	c fiber.Ctx,
	route *server.Route,
	key string,
	entry *cache.Entry,
	requestID string,
	started time.Time,
) (bool, error) {
	defer entry.Body.Close()

	record, err := h.store.Metadata(key)
	if err != nil {
		return false, err
	}

	method := c.Method()
	var first []byte
	if method != http.MethodHead {
		buf := make([]byte, firstChunkSize)
		n, readErr := io.ReadFull(entry.Body, buf)
		if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return false, readErr
		}
		first = buf[:n]
	}

	for name, value := range record.Data {
		if strings.EqualFold(name, fiber.HeaderContentLength) || server.IsHopByHopHeader(name) {
			continue
		}
		c.Set(name, value)
	}
	c.Response().Header.SetContentLength(int(entry.Size))
	c.Set(headerUpstream, route.UpstreamURL.String())
	c.Set(headerCacheHit, "true")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	status := fiber.StatusOK
	c.Status(status)

	if method == http.MethodHead {
		h.logResult(method, key, route.UpstreamURL.String(), requestID, status, true, started, nil)
		return true, nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), io.MultiReader(bytes.NewReader(first), entry.Body))
	h.logResult(method, key, route.UpstreamURL.String(), requestID, status, true, started, err)
	if err != nil {
		return true, fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return true, nil
}

func (h *Handler) fetchAndStream(
	c fiber.Ctx,
	route *server.Route,
	key string,
	cleanPath string,
	rawQuery string,
	cacheable bool,
	requestID string,
	started time.Time,
) error {
	upstreamURL := route.Resolve(cleanPath, rawQuery).String()
	req, err := h.buildUpstreamRequest(c, route, upstreamURL)
	if err != nil {
		h.logResult(c.Method(), key, upstreamURL, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(c.Method(), key, upstreamURL, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerUpstream, upstreamURL)
	c.Set(headerCacheHit, "false")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(c.Method(), key, upstreamURL, requestID, resp.StatusCode, false, started, nil)
		return nil
	}

	if cacheable && c.Method() == http.MethodGet && isCacheableStatus(resp.StatusCode) {
		return h.cacheAndStream(c, key, resp, requestID, started, upstreamURL)
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c.Method(), key, upstreamURL, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// cacheAndStream 将上游 body 同时写给客户端与缓存；缓存失败时剩余部分继续直接转发。
func (h *Handler) cacheAndStream(
	c fiber.Ctx,
	key string,
	resp *http.Response,
	requestID string,
	started time.Time,
	upstreamURL string,
) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	reader := io.TeeReader(resp.Body, c.Response().BodyWriter())
	opts := cache.SetOptions{
		Size: max(resp.ContentLength, 0),
		Data: server.HeaderSnapshot(resp.Header),
	}
	stored := h.store.Set(ctx, key, reader, opts)

	// Set 失败时 reader 可能未读完，补齐剩余 body。
	_, err := io.Copy(io.Discard, reader)
	if !stored {
		h.logger.WithFields(logging.CacheFields("cache_store", key)).Debug("cache_store_skipped")
	}
	h.logResult(c.Method(), key, upstreamURL, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, route *server.Route, upstream string) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream, bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = route.UpstreamURL.Host
	req.Header.Set("Host", route.UpstreamURL.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", strconv.Itoa(route.ListenPort))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	method string,
	key string,
	upstream string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(method, key, cacheHit)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// CacheKey 由规范化路径与原始查询串组成，与上游请求的 URL 一一对应。
func CacheKey(cleanPath, rawQuery string) string {
	if rawQuery == "" {
		return cleanPath
	}
	return cleanPath + "?" + rawQuery
}

// normalizeRequestPath 折叠 . / .. 与重复斜杠，但保留结尾斜杠。
func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func isCacheableStatus(status int) bool {
	return status == http.StatusOK
}
