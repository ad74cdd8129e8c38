package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-sync/internal/control"
)

// EventHandlers 是宿主生命周期事件的分发接口：激活、请求拦截与控制消息。
// 测试可以注入假实现，不需要真实引擎。
type EventHandlers interface {
	OnActivate(ctx context.Context) error
	OnIntercept(c fiber.Ctx) error
	OnMessage(ctx context.Context, msg control.Message, source control.Source)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger            *logrus.Logger
	Handlers          EventHandlers
	Clients           *control.Hub
	HeartbeatInterval time.Duration
	ListenPort        int
}

const contextKeyRequestID = "_assetsync_request_id"

const defaultHeartbeat = 15 * time.Second

// NewApp builds a Fiber application with request-id middleware, the control
// routes and the catch-all interceptor route. Activation runs once the
// listener is up.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handlers == nil {
		return nil, errors.New("event handlers are required")
	}
	if opts.Clients == nil {
		return nil, errors.New("client hub is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	registerControlRoutes(app, opts)

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Handlers.OnIntercept(c)
	})

	app.Hooks().OnListen(func(fiber.ListenData) error {
		go activate(opts)
		return nil
	})

	return app, nil
}

func activate(opts AppOptions) {
	fields := logrus.Fields{
		"action":      "activate",
		"listen_port": opts.ListenPort,
	}
	if err := opts.Handlers.OnActivate(context.Background()); err != nil {
		opts.Logger.WithError(err).WithFields(fields).Error("activate_failed")
		return
	}
	opts.Logger.WithFields(fields).Info("activate_complete")
}

// requestIDMiddleware 为每个请求生成 ID，写入 Locals 与响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
