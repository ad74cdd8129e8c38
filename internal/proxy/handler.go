package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-sync/internal/cache"
	"github.com/any-hub/asset-sync/internal/logging"
	"github.com/any-hub/asset-sync/internal/manifest"
	"github.com/any-hub/asset-sync/internal/server"
)

// Options 描述拦截器依赖与路由参数。
type Options struct {
	Store         cache.Store
	Forwarder     *Forwarder
	Logger        *logrus.Logger
	Scope         string
	BackendMarker string
	// OnNavigate 在页面导航请求到达时异步触发，通常用于版本检查。
	OnNavigate func()
}

// Handler 拦截前台应用的全部请求：命中缓存直接返回，未命中透传源站，
// 透传失败返回统一的 502。拦截器对缓存只读，从不写入新条目。
type Handler struct {
	store      cache.Store
	forwarder  *Forwarder
	logger     *logrus.Logger
	scope      string
	marker     string
	onNavigate func()
}

// NewHandler constructs the interceptor.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Forwarder == nil {
		return nil, errors.New("forwarder is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	scope := opts.Scope
	if scope == "" {
		scope = "/"
	}
	return &Handler{
		store:      opts.Store,
		forwarder:  opts.Forwarder,
		logger:     opts.Logger,
		scope:      scope,
		marker:     opts.BackendMarker,
		onNavigate: opts.OnNavigate,
	}, nil
}

// Handle 执行三路路由。任何阶段的 panic 都被转换为 502，不会中断服务。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	target := requestTarget(c)

	defer func() {
		if r := recover(); r != nil {
			h.logResult(c, "panic", target, requestID, 0, false, started, fmt.Errorf("panic: %v", r))
			err = h.writeError(c, requestID)
		}
	}()

	if h.onNavigate != nil && c.Get("Sec-Fetch-Mode") == "navigate" {
		go h.onNavigate()
	}

	route, key := Classify(target, h.scope, h.marker)
	if route != RouteBackend && !isReadMethod(c.Method()) {
		// 缓存只对 GET/HEAD 生效，其余方法按原请求透传。
		return h.forward(c, route, target, requestID, started, false)
	}

	switch route {
	case RouteBackend:
		return h.forward(c, route, target, requestID, started, false)
	case RouteRoot:
		if entry := h.lookup(c, key, requestID); entry != nil {
			return h.serveCache(c, route, entry, requestID, started)
		}
		return h.forward(c, route, target, requestID, started, false)
	default:
		if entry := h.lookup(c, key, requestID); entry != nil {
			return h.serveCache(c, route, entry, requestID, started)
		}
		return h.forward(c, route, target, requestID, started, true)
	}
}

// lookup 读取缓存；存储错误按未命中处理并记录日志。
func (h *Handler) lookup(c fiber.Ctx, key, requestID string) *cache.Entry {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	entry, err := h.store.Get(ctx, key)
	switch {
	case err == nil:
		return entry
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "intercept",
			"key":        key,
			"request_id": requestID,
		}).Warn("cache_get_failed")
		return nil
	}
}

func (h *Handler) serveCache(c fiber.Ctx, route Route, entry *cache.Entry, requestID string, started time.Time) error {
	if entry.ContentType != "" {
		c.Set("Content-Type", entry.ContentType)
	} else {
		c.Response().Header.Del("Content-Type")
	}
	c.Response().Header.SetContentLength(len(entry.Body))
	c.Set("X-Asset-Sync-Cache-Hit", "true")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(fiber.StatusOK)

	if c.Method() != http.MethodHead {
		c.Response().SetBodyRaw(entry.Body)
	}
	h.logResult(c, route.String(), entry.Key, requestID, fiber.StatusOK, true, started, nil)
	return nil
}

func (h *Handler) forward(c fiber.Ctx, route Route, target, requestID string, started time.Time, noCache bool) error {
	status, err := h.forwarder.Forward(c, noCache)
	if err != nil {
		h.logResult(c, route.String(), target, requestID, status, false, started, err)
		return h.writeError(c, requestID)
	}
	c.Set("X-Asset-Sync-Cache-Hit", "false")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	h.logResult(c, route.String(), target, requestID, status, false, started, nil)
	return nil
}

// writeError 返回合成的失败响应，丢弃已部分写入的上游内容。
func (h *Handler) writeError(c fiber.Ctx, requestID string) error {
	c.Response().Reset()
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	route string,
	target string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route, c.Method(), target, cacheHit)
	fields["action"] = "intercept"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = "upstream_failed"
		h.logger.WithError(err).WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

// requestTarget 以客户端发送的原始路径构造 path[?query]，并规范为与清单键相同的转义形式。
func requestTarget(c fiber.Ctx) string {
	target := string(c.Request().URI().PathOriginal())
	if target == "" {
		target = "/"
	}
	if query := c.Request().URI().QueryString(); len(query) > 0 {
		target += "?" + string(query)
	}
	return manifest.CanonicalTarget(target)
}

func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
