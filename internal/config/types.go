package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储驱动。
const (
	StoreDriverFS       = "fs"
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、部署源站与作用域。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	Origin            string   `mapstructure:"Origin"`
	Scope             string   `mapstructure:"Scope"`
	ManifestPath      string   `mapstructure:"ManifestPath"`
	CacheName         string   `mapstructure:"CacheName"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	HeartbeatInterval Duration `mapstructure:"HeartbeatInterval"`
}

// StoreConfig 决定缓存条目落在哪个持久化后端。
type StoreConfig struct {
	Driver   string `mapstructure:"Driver"`
	Path     string `mapstructure:"Path"`
	DSN      string `mapstructure:"DSN"`
	Compress bool   `mapstructure:"Compress"`
}

// SyncConfig 控制安装/更新与请求拦截的策略参数。
type SyncConfig struct {
	ImmutablePrefixes []string `mapstructure:"ImmutablePrefixes"`
	BackendMarker     string   `mapstructure:"BackendMarker"`
	FetchConcurrency  int      `mapstructure:"FetchConcurrency"`
	AutoInstall       bool     `mapstructure:"AutoInstall"`
	CheckOnNavigate   bool     `mapstructure:"CheckOnNavigate"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Store  StoreConfig  `mapstructure:"Store"`
	Sync   SyncConfig   `mapstructure:"Sync"`
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (c *Config) OriginURL() *url.URL {
	parsed, err := url.Parse(c.Global.Origin)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}

// Namespace 返回缓存命名空间 <origin host>/<CacheName>，保证缓存按源站隔离。
func (c *Config) Namespace() string {
	host := strings.ToLower(c.OriginURL().Host)
	host = strings.ReplaceAll(host, ":", "_")
	return host + "/" + c.Global.CacheName
}

// StoreMode 输出 `fs`、`fs+zstd` 等摘要，供日志字段使用。
func (s StoreConfig) StoreMode() string {
	if s.Driver == StoreDriverFS && s.Compress {
		return s.Driver + "+zstd"
	}
	return s.Driver
}
