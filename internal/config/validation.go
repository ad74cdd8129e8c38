package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStoreDrivers = map[string]struct{}{
	StoreDriverFS:       {},
	StoreDriverSQLite:   {},
	StoreDriverPostgres: {},
	StoreDriverMemory:   {},
}

const supportedStoreDriverList = "fs|sqlite|postgres|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if !strings.HasPrefix(g.Scope, "/") || !strings.HasSuffix(g.Scope, "/") {
		return newFieldError("Global.Scope", "必须以 / 开头并以 / 结尾")
	}
	if !strings.HasPrefix(g.ManifestPath, "/") {
		return newFieldError("Global.ManifestPath", "必须以 / 开头")
	}
	if strings.ContainsAny(g.CacheName, `/\ `) {
		return newFieldError("Global.CacheName", "不允许包含路径分隔符或空格")
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}
	if g.HeartbeatInterval.DurationValue() <= 0 {
		return newFieldError("Global.HeartbeatInterval", "必须大于 0")
	}

	if err := c.Store.validate(); err != nil {
		return err
	}
	return c.Sync.validate()
}

func (s StoreConfig) validate() error {
	if _, ok := supportedStoreDrivers[s.Driver]; !ok {
		return newFieldError("Store.Driver", "仅支持 "+supportedStoreDriverList)
	}
	switch s.Driver {
	case StoreDriverFS, StoreDriverSQLite:
		if strings.TrimSpace(s.Path) == "" {
			return newFieldError("Store.Path", "不能为空")
		}
	case StoreDriverPostgres:
		if strings.TrimSpace(s.DSN) == "" {
			return newFieldError("Store.DSN", "postgres 驱动必须提供 DSN")
		}
	}
	if s.Compress && s.Driver != StoreDriverFS {
		return newFieldError("Store.Compress", "仅 fs 驱动支持压缩")
	}
	return nil
}

func (s SyncConfig) validate() error {
	for i, prefix := range s.ImmutablePrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return newFieldError(indexedField("Sync.ImmutablePrefixes", i), "必须以 / 开头")
		}
	}
	if s.FetchConcurrency < 1 {
		return newFieldError("Sync.FetchConcurrency", "必须大于 0")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不应包含路径: %s", raw)
	}
	return nil
}
