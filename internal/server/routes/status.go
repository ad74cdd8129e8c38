package routes

import (
	"context"
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/asset-sync/internal/config"
	"github.com/any-hub/asset-sync/internal/control"
	"github.com/any-hub/asset-sync/internal/engine"
	"github.com/any-hub/asset-sync/internal/version"
)

// StatusSource 提供引擎诊断快照。
type StatusSource interface {
	Status(ctx context.Context) engine.Status
}

// KeyLister 列出当前缓存键。
type KeyLister interface {
	Keys(ctx context.Context) ([]string, error)
}

// StatusOptions 汇集诊断接口依赖。
type StatusOptions struct {
	Engine  StatusSource
	Store   KeyLister
	Clients *control.Hub
	Config  *config.Config
}

type statusPayload struct {
	Service           string        `json:"service"`
	Engine            engine.Status `json:"engine"`
	Clients           int           `json:"clients"`
	Origin            string        `json:"origin"`
	Namespace         string        `json:"namespace"`
	StoreMode         string        `json:"store_mode"`
	ImmutablePrefixes []string      `json:"immutable_prefixes"`
}

// RegisterStatusRoutes 暴露 /-/status 与 /-/status/entries 诊断接口，
// 供运维确认安装状态、当前版本与缓存内容。
func RegisterStatusRoutes(app *fiber.App, opts StatusOptions) {
	if app == nil || opts.Engine == nil || opts.Config == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := statusPayload{
			Service:           version.Full(),
			Engine:            opts.Engine.Status(c.Context()),
			Origin:            opts.Config.Global.Origin,
			Namespace:         opts.Config.Namespace(),
			StoreMode:         opts.Config.Store.StoreMode(),
			ImmutablePrefixes: append([]string(nil), opts.Config.Sync.ImmutablePrefixes...),
		}
		if opts.Clients != nil {
			payload.Clients = opts.Clients.Len()
		}
		return c.JSON(payload)
	})

	app.Get("/-/status/entries", func(c fiber.Ctx) error {
		if opts.Store == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "store_unavailable"})
		}
		keys, err := opts.Store.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store_failed"})
		}
		sort.Strings(keys)
		if keys == nil {
			keys = []string{}
		}
		return c.JSON(fiber.Map{"entries": keys, "count": len(keys)})
	})
}
