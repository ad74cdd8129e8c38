package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return decode(v)
}

// Watch 监听配置文件变化，每次变化重新解析并回调；解析失败交给 onError。
// 仅适合热更新日志级别这类无状态参数，存储与源站变更仍需重启。
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyStoreDefaults(&cfg.Store)
	applySyncDefaults(&cfg.Sync)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Store.Path != "" {
		absStorage, err := filepath.Abs(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Store.Path = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Scope", "/")
	v.SetDefault("ManifestPath", "/assets_list.json")
	v.SetDefault("CacheName", "app-assets")
	v.SetDefault("UpstreamTimeout", "0s")
	v.SetDefault("HeartbeatInterval", "15s")
	v.SetDefault("Store.Driver", StoreDriverFS)
	v.SetDefault("Store.Path", "./storage")
	v.SetDefault("Store.Compress", false)
	v.SetDefault("Sync.ImmutablePrefixes", []string{"/pyodide"})
	v.SetDefault("Sync.BackendMarker", "celesteback")
	v.SetDefault("Sync.FetchConcurrency", 4)
	v.SetDefault("Sync.AutoInstall", true)
	v.SetDefault("Sync.CheckOnNavigate", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")
	if strings.TrimSpace(g.Scope) == "" {
		g.Scope = "/"
	}
	if strings.TrimSpace(g.ManifestPath) == "" {
		g.ManifestPath = "/assets_list.json"
	}
	if strings.TrimSpace(g.CacheName) == "" {
		g.CacheName = "app-assets"
	}
	if g.HeartbeatInterval.DurationValue() == 0 {
		g.HeartbeatInterval = Duration(15 * time.Second)
	}
}

func applyStoreDefaults(s *StoreConfig) {
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = StoreDriverFS
	}
}

func applySyncDefaults(s *SyncConfig) {
	if s.FetchConcurrency == 0 {
		s.FetchConcurrency = 4
	}
	prefixes := s.ImmutablePrefixes[:0]
	for _, prefix := range s.ImmutablePrefixes {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			prefixes = append(prefixes, trimmed)
		}
	}
	s.ImmutablePrefixes = prefixes
	s.BackendMarker = strings.TrimSpace(s.BackendMarker)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
