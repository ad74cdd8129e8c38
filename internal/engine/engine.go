// Package engine 实现离线资源缓存的安装、更新与版本检查，并维护生命周期状态。
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/asset-sync/internal/cache"
	"github.com/any-hub/asset-sync/internal/control"
	"github.com/any-hub/asset-sync/internal/logging"
	"github.com/any-hub/asset-sync/internal/manifest"
)

// Origin 提供清单与资源下载，通常由 *origin.Client 实现。
type Origin interface {
	FetchManifest(ctx context.Context) (*manifest.Manifest, error)
	cache.Fetcher
}

// Broadcaster 向所有已连接的前台实例发送通知。
type Broadcaster interface {
	Broadcast(control.Reply) int
}

// Options 描述引擎依赖。
type Options struct {
	Store             cache.Store
	Origin            Origin
	Clients           Broadcaster
	Logger            *logrus.Logger
	ImmutablePrefixes []string
	FetchConcurrency  int
	AutoInstall       bool
}

// Engine 是进程内唯一的同步服务对象。Install 与 Update 互斥执行，
// 同类操作的并发请求合并为一次执行并共享结果；读路径不加锁。
type Engine struct {
	store       cache.Store
	origin      Origin
	clients     Broadcaster
	logger      *logrus.Logger
	immutable   []string
	concurrency int
	autoInstall bool

	opMu  sync.Mutex
	group singleflight.Group

	mu       sync.RWMutex
	state    State
	lastErr  string
	lastSync time.Time
}

// New 校验依赖并构建引擎。
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin is required")
	}
	if opts.Clients == nil {
		return nil, errors.New("clients broadcaster is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	concurrency := opts.FetchConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		store:       opts.Store,
		origin:      opts.Origin,
		clients:     opts.Clients,
		logger:      opts.Logger,
		immutable:   append([]string(nil), opts.ImmutablePrefixes...),
		concurrency: concurrency,
		autoInstall: opts.AutoInstall,
		state:       StateUninitialized,
	}, nil
}

// IsInstalled 当且仅当版本标记存在且可读时返回 true。
func (e *Engine) IsInstalled(ctx context.Context) (bool, error) {
	_, err := readMarker(ctx, e.store)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotInstalled):
		return false, nil
	default:
		return false, err
	}
}

// CurrentVersion 返回已安装的版本令牌，未安装时返回 ErrNotInstalled。
func (e *Engine) CurrentVersion(ctx context.Context) (string, error) {
	return readMarker(ctx, e.store)
}

// Activate 处理激活事件：检查安装状态，未安装且开启自动安装时立即安装。
func (e *Engine) Activate(ctx context.Context) error {
	e.setState(StateCheckingInstalled)
	installed, err := e.IsInstalled(ctx)
	if err != nil {
		e.recordFailure(StateNotInstalled, err)
		return fmt.Errorf("check installed: %w", err)
	}
	if installed {
		e.setState(StateInstalled)
		e.logger.WithFields(logging.SyncFields("activate", "check", "")).Info("engine_installed")
		return nil
	}

	e.setState(StateNotInstalled)
	if !e.autoInstall {
		e.logger.WithFields(logging.SyncFields("activate", "check", "")).Info("engine_not_installed")
		return nil
	}
	_, err = e.Install(ctx)
	return err
}

// Install 首次安装：拉取清单，整体下载全部资源，写入版本标记并广播 install_complete。
func (e *Engine) Install(ctx context.Context) (string, error) {
	return e.run(ctx, control.TypeInstall, StateInstalling, e.install)
}

// Update 将已有缓存对齐到最新清单：新增与覆盖资源，跳过已存在的不可变大资源，
// 删除清单外的条目，最后推进版本标记。不比较版本，也不广播。
func (e *Engine) Update(ctx context.Context) (string, error) {
	return e.run(ctx, control.TypeUpdate, StateUpdating, e.update)
}

func (e *Engine) run(ctx context.Context, op string, state State, fn func(context.Context) (string, error)) (string, error) {
	result, err, _ := e.group.Do(op, func() (any, error) {
		e.opMu.Lock()
		defer e.opMu.Unlock()

		// 操作一旦开始即运行到结束，不随调用方断开而取消。
		runCtx := context.WithoutCancel(ctx)
		started := time.Now()
		e.setState(state)
		e.logger.WithFields(logging.SyncFields("sync", op, "")).Info(op + "_started")

		version, err := fn(runCtx)
		if err != nil {
			e.recordFailure(e.settledState(runCtx), err)
			fields := logging.SyncFields("sync", op, "")
			fields["elapsed_ms"] = time.Since(started).Milliseconds()
			e.logger.WithError(err).WithFields(fields).Error(op + "_failed")
			return "", err
		}

		e.recordSuccess()
		fields := logging.SyncFields("sync", op, version)
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		e.logger.WithFields(fields).Info(op + "_complete")
		return version, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (e *Engine) install(ctx context.Context) (string, error) {
	m, err := e.origin.FetchManifest(ctx)
	if err != nil {
		return "", err
	}
	if err := cache.AddAll(ctx, e.store, e.origin, m.Files, e.concurrency); err != nil {
		return "", err
	}
	if err := writeMarker(ctx, e.store, m.AppVersion); err != nil {
		return "", err
	}

	delivered := e.clients.Broadcast(control.Reply{
		Message:        control.MessageInstallComplete,
		LatestVersion:  m.AppVersion,
		CurrentVersion: m.AppVersion,
	})
	e.logger.WithFields(logrus.Fields{
		"action":    "broadcast",
		"message":   control.MessageInstallComplete,
		"delivered": delivered,
	}).Debug("broadcast_sent")
	return m.AppVersion, nil
}

func (e *Engine) update(ctx context.Context) (string, error) {
	m, err := e.origin.FetchManifest(ctx)
	if err != nil {
		return "", err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)
	for _, key := range m.Files {
		group.Go(func() error {
			return e.refresh(groupCtx, key)
		})
	}
	if err := group.Wait(); err != nil {
		return "", err
	}

	wanted := make(map[string]struct{}, len(m.Files))
	for _, key := range m.Files {
		wanted[key] = struct{}{}
	}
	keys, err := e.store.Keys(ctx)
	if err != nil {
		return "", err
	}
	for _, key := range keys {
		if key == MarkerKey {
			continue
		}
		if _, ok := wanted[key]; ok {
			continue
		}
		if err := e.store.Delete(ctx, key); err != nil {
			return "", err
		}
		e.logger.WithFields(logrus.Fields{"action": "sync", "op": control.TypeUpdate, "key": key}).Debug("stale_entry_deleted")
	}

	if err := writeMarker(ctx, e.store, m.AppVersion); err != nil {
		return "", err
	}
	return m.AppVersion, nil
}

// refresh 重新下载单个资源；不可变大资源已存在时跳过。
func (e *Engine) refresh(ctx context.Context, key string) error {
	if e.isImmutable(key) {
		present, err := cache.Has(ctx, e.store, key)
		if err != nil {
			return err
		}
		if present {
			e.logger.WithFields(logrus.Fields{"action": "sync", "op": control.TypeUpdate, "key": key}).Debug("immutable_entry_skipped")
			return nil
		}
	}
	payload, err := e.origin.Fetch(ctx, key)
	if err != nil {
		return err
	}
	return e.store.Put(ctx, key, payload)
}

// isImmutable 判断键是否属于内容稳定的大资源：命中配置前缀，或是跨域绝对地址。
func (e *Engine) isImmutable(key string) bool {
	if manifest.IsAbsoluteURL(key) {
		return true
	}
	for _, prefix := range e.immutable {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// CheckVersion 对比源站清单与已安装版本，返回 new_version 或 no_new_version。
func (e *Engine) CheckVersion(ctx context.Context) (control.Reply, error) {
	m, err := e.origin.FetchManifest(ctx)
	if err != nil {
		return control.Reply{}, err
	}
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return control.Reply{}, err
	}
	reply := control.Reply{
		Message:        control.MessageNoNewVersion,
		LatestVersion:  m.AppVersion,
		CurrentVersion: current,
	}
	if m.AppVersion != current {
		reply.Message = control.MessageNewVersion
	}
	return reply, nil
}

// AnnounceVersion 执行版本检查并广播结果，并发触发合并为一次；失败只记录日志。
func (e *Engine) AnnounceVersion(ctx context.Context) {
	_, _, _ = e.group.Do(control.TypeCheck, func() (any, error) {
		reply, err := e.CheckVersion(context.WithoutCancel(ctx))
		if err != nil {
			entry := e.logger.WithError(err).WithFields(logging.SyncFields("version_check", control.TypeCheck, ""))
			if errors.Is(err, ErrNotInstalled) {
				entry.Debug("version_check_skipped")
			} else {
				entry.Warn("version_check_failed")
			}
			return nil, nil
		}
		delivered := e.clients.Broadcast(reply)
		e.logger.WithFields(logrus.Fields{
			"action":          "version_check",
			"message":         reply.Message,
			"latest_version":  reply.LatestVersion,
			"current_version": reply.CurrentVersion,
			"delivered":       delivered,
		}).Info("version_check_complete")
		return nil, nil
	})
}

// Status 返回诊断快照；读取存储失败时记录在 LastError 中。
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.RLock()
	status := Status{
		State:     e.state,
		LastError: e.lastErr,
		LastSync:  e.lastSync,
	}
	e.mu.RUnlock()

	if version, err := readMarker(ctx, e.store); err == nil {
		status.Version = version
	}
	keys, err := e.store.Keys(ctx)
	if err != nil {
		if status.LastError == "" {
			status.LastError = err.Error()
		}
		return status
	}
	for _, key := range keys {
		if key != MarkerKey {
			status.Entries++
		}
	}
	return status
}

// State 返回当前生命周期阶段。
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

func (e *Engine) recordSuccess() {
	e.mu.Lock()
	e.state = StateInstalled
	e.lastErr = ""
	e.lastSync = time.Now().UTC()
	e.mu.Unlock()
}

func (e *Engine) recordFailure(state State, err error) {
	e.mu.Lock()
	e.state = state
	e.lastErr = err.Error()
	e.mu.Unlock()
}

// settledState 在操作失败后根据版本标记重新判断状态。
func (e *Engine) settledState(ctx context.Context) State {
	installed, err := e.IsInstalled(ctx)
	if err == nil && installed {
		return StateInstalled
	}
	return StateNotInstalled
}
