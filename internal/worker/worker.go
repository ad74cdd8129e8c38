// Package worker 把引擎、拦截器与控制通道组合成宿主事件处理器。
package worker

import (
	"context"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/asset-sync/internal/control"
	"github.com/any-hub/asset-sync/internal/engine"
	"github.com/any-hub/asset-sync/internal/proxy"
	"github.com/any-hub/asset-sync/internal/server"
)

var _ server.EventHandlers = (*Worker)(nil)

// Worker 实现 server.EventHandlers。
type Worker struct {
	engine      *engine.Engine
	interceptor *proxy.Handler
	channel     *control.Channel
}

// New 组合各组件。
func New(eng *engine.Engine, interceptor *proxy.Handler, channel *control.Channel) *Worker {
	return &Worker{engine: eng, interceptor: interceptor, channel: channel}
}

// OnActivate 检查安装状态，必要时自动安装。
func (w *Worker) OnActivate(ctx context.Context) error {
	return w.engine.Activate(ctx)
}

// OnIntercept 交给拦截器处理请求。
func (w *Worker) OnIntercept(c fiber.Ctx) error {
	return w.interceptor.Handle(c)
}

// OnMessage 交给控制通道处理消息。
func (w *Worker) OnMessage(ctx context.Context, msg control.Message, source control.Source) {
	w.channel.Handle(ctx, msg, source)
}
