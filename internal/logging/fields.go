package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供拦截路由、请求目标与命中状态字段，供拦截日志复用。
func RequestFields(route, method, target string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"route":     route,
		"method":    method,
		"target":    target,
		"cache_hit": cacheHit,
	}
}

// SyncFields 描述一次安装/更新操作的上下文，版本为空时不输出。
func SyncFields(action, op, version string) logrus.Fields {
	fields := logrus.Fields{
		"action": action,
		"op":     op,
	}
	if version != "" {
		fields["app_version"] = version
	}
	return fields
}
