package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-sync/internal/cache"
	"github.com/any-hub/asset-sync/internal/config"
	"github.com/any-hub/asset-sync/internal/control"
	"github.com/any-hub/asset-sync/internal/engine"
	"github.com/any-hub/asset-sync/internal/logging"
	"github.com/any-hub/asset-sync/internal/manifest"
	"github.com/any-hub/asset-sync/internal/origin"
	"github.com/any-hub/asset-sync/internal/proxy"
	"github.com/any-hub/asset-sync/internal/server"
	"github.com/any-hub/asset-sync/internal/server/routes"
	"github.com/any-hub/asset-sync/internal/version"
	"github.com/any-hub/asset-sync/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool

	buildDir    string
	manifestOut string
	extraAssets string
	appVersion  string
}

// appBundle 携带 Fiber 应用与客户端集合，关闭时需要先断开 SSE 长连接。
type appBundle struct {
	*fiber.App
	hub *control.Hub
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}
	if opts.buildDir != "" {
		return buildManifest(opts)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Global.Origin
		fields["namespace"] = cfg.Namespace()
		fields["store_mode"] = cfg.Store.StoreMode()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	app, cleanup, err := buildApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer cleanup()

	watchConfig(opts.configPath, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Global.Origin
	fields["namespace"] = cfg.Namespace()
	fields["store_mode"] = cfg.Store.StoreMode()
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildApp 按“存储 → 源站 → 客户端集合 → 引擎 → 拦截器 → 控制通道 → Fiber”顺序装配，
// 所有组件共享同一个缓存实例与上游 http.Client。
func buildApp(cfg *config.Config, logger *logrus.Logger) (*appBundle, func(), error) {
	namespace := cfg.Namespace()
	store := cache.Lazy(func(ctx context.Context) (cache.Store, error) {
		opened, err := cache.Open(ctx, cfg.Store, namespace)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"action":     "store_open",
			"namespace":  namespace,
			"store_mode": cfg.Store.StoreMode(),
		}).Info("缓存存储已打开")
		return opened, nil
	})

	httpClient := server.NewUpstreamClient(cfg)
	originURL := cfg.OriginURL()
	originClient := origin.NewClient(httpClient, originURL, cfg.Global.ManifestPath)
	hub := control.NewHub(0)

	eng, err := engine.New(engine.Options{
		Store:             store,
		Origin:            originClient,
		Clients:           hub,
		Logger:            logger,
		ImmutablePrefixes: cfg.Sync.ImmutablePrefixes,
		FetchConcurrency:  cfg.Sync.FetchConcurrency,
		AutoInstall:       cfg.Sync.AutoInstall,
	})
	if err != nil {
		return nil, nil, err
	}

	var onNavigate func()
	if cfg.Sync.CheckOnNavigate {
		onNavigate = func() { eng.AnnounceVersion(context.Background()) }
	}
	interceptor, err := proxy.NewHandler(proxy.Options{
		Store:         store,
		Forwarder:     proxy.NewForwarder(httpClient, originURL),
		Logger:        logger,
		Scope:         cfg.Global.Scope,
		BackendMarker: cfg.Sync.BackendMarker,
		OnNavigate:    onNavigate,
	})
	if err != nil {
		return nil, nil, err
	}

	handlers := worker.New(eng, interceptor, control.NewChannel(eng, logger))
	app, err := server.NewApp(server.AppOptions{
		Logger:            logger,
		Handlers:          handlers,
		Clients:           hub,
		HeartbeatInterval: cfg.Global.HeartbeatInterval.DurationValue(),
		ListenPort:        cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, nil, err
	}
	routes.RegisterStatusRoutes(app, routes.StatusOptions{
		Engine:  eng,
		Store:   store,
		Clients: hub,
		Config:  cfg,
	})

	cleanup := func() {
		hub.Close()
		if err := store.Close(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("store_close_failed")
		}
	}
	return &appBundle{App: app, hub: hub}, cleanup, nil
}

// watchConfig 监听配置文件，仅热更新日志级别。
func watchConfig(path string, logger *logrus.Logger) {
	err := config.Watch(path, func(cfg *config.Config) {
		if err := logging.ApplyLevel(logger, cfg.Global.LogLevel); err != nil {
			logger.WithError(err).WithFields(logging.BaseFields("config_reload", path)).Warn("日志级别更新失败")
		}
	}, func(err error) {
		logger.WithError(err).WithFields(logging.BaseFields("config_reload", path)).Warn("配置热更新解析失败")
	})
	if err != nil {
		logger.WithError(err).WithFields(logging.BaseFields("config_watch", path)).Warn("配置监听未启用")
	}
}

// serve 启动监听，收到 SIGINT/SIGTERM 后断开 SSE 客户端并优雅关闭。
func serve(bundle *appBundle, port int, logger *logrus.Logger) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	go func() {
		sig, ok := <-signals
		if !ok {
			return
		}
		logger.WithFields(logrus.Fields{"action": "shutdown", "signal": sig.String()}).Info("收到退出信号")
		bundle.hub.Close()
		if err := bundle.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("优雅关闭超时")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return bundle.Listen(fmt.Sprintf(":%d", port))
}

// buildManifest 从构建目录生成 assets_list.json。
func buildManifest(opts cliOptions) int {
	var extra []string
	if opts.extraAssets != "" {
		loaded, err := manifest.LoadExtraAssets(opts.extraAssets)
		if err != nil {
			fmt.Fprintf(stdErr, "读取额外资源失败: %v\n", err)
			return 1
		}
		extra = loaded
	}

	built, err := manifest.Build(opts.buildDir, manifest.BuildOptions{
		AppVersion: opts.appVersion,
		Extra:      extra,
	})
	if err != nil {
		if errors.Is(err, manifest.ErrEmptyBuild) {
			fmt.Fprintf(stdErr, "构建目录为空: %s\n", opts.buildDir)
			return 1
		}
		fmt.Fprintf(stdErr, "生成清单失败: %v\n", err)
		return 1
	}

	out := opts.manifestOut
	if out == "" {
		out = filepath.Join(opts.buildDir, "assets_list.json")
	}
	if err := manifest.Write(built, out); err != nil {
		fmt.Fprintf(stdErr, "写入清单失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdOut, "已写入 %s（%d 个文件，版本 %s）\n", out, len(built.Files), built.AppVersion)
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("asset-sync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		opts       cliOptions
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ASSET_SYNC_CONFIG 覆盖）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	fs.StringVar(&opts.buildDir, "build-manifest", "", "从构建目录生成 assets_list.json 后退出")
	fs.StringVar(&opts.manifestOut, "manifest-out", "", "清单输出路径（默认 <构建目录>/assets_list.json）")
	fs.StringVar(&opts.extraAssets, "extra-assets", "", "额外资源文件（YAML/JSON，{files: [...]}）")
	fs.StringVar(&opts.appVersion, "app-version", "", "写入清单的版本令牌（默认 UTC 构建时间）")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ASSET_SYNC_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path
	return opts, nil
}
