package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供缓存层/URL/命中状态字段，供缓存与拦截层日志复用。
func CacheFields(layer, url string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"layer":     layer,
		"url":       url,
		"cache_hit": cacheHit,
	}
}

// RequestFields 提供代理请求日志字段，requestID 为空时省略。
func RequestFields(method, path, upstream, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"method":   method,
		"path":     path,
		"upstream": upstream,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
