// Package manifest 定义部署清单的数据模型：解析源站返回的 assets_list.json，
// 以及从构建目录生成清单。
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Manifest 描述一次部署需要离线可用的全部资源与其版本标记。
type Manifest struct {
	Files      []string `json:"files"`
	AppVersion string   `json:"app_version"`
}

// ValidationError 表示清单结构不满足要求。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest %s: %s", e.Field, e.Reason)
}

type rawManifest struct {
	Files      *[]json.RawMessage `json:"files"`
	AppVersion json.RawMessage    `json:"app_version"`
}

// Parse 解析并校验清单。origin 不为空时，同源绝对地址会被归一化为路径。
func Parse(data []byte, origin *url.URL) (*Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &ValidationError{Field: "body", Reason: "must be a JSON object"}
	}

	var raw rawManifest
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if raw.Files == nil {
		return nil, &ValidationError{Field: "files", Reason: "missing"}
	}

	version, err := parseVersion(raw.AppVersion)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(*raw.Files))
	seen := make(map[string]struct{}, len(*raw.Files))
	for i, item := range *raw.Files {
		var entry string
		if err := json.Unmarshal(item, &entry); err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("files[%d]", i), Reason: "must be a string"}
		}
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("files[%d]", i), Reason: "must not be empty"}
		}
		key := NormalizeKey(entry, origin)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		files = append(files, key)
	}

	return &Manifest{Files: files, AppVersion: version}, nil
}

// parseVersion 接受字符串版本；对象形式（git_hash + 构建时间）以紧凑 JSON 文本作为令牌。
func parseVersion(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", &ValidationError{Field: "app_version", Reason: "missing"}
	}
	switch trimmed[0] {
	case '"':
		var version string
		if err := json.Unmarshal(trimmed, &version); err != nil {
			return "", &ValidationError{Field: "app_version", Reason: err.Error()}
		}
		if strings.TrimSpace(version) == "" {
			return "", &ValidationError{Field: "app_version", Reason: "must not be empty"}
		}
		return version, nil
	case '{':
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err != nil {
			return "", &ValidationError{Field: "app_version", Reason: err.Error()}
		}
		if compact.String() == "{}" {
			return "", &ValidationError{Field: "app_version", Reason: "must not be empty"}
		}
		return compact.String(), nil
	default:
		return "", &ValidationError{Field: "app_version", Reason: "must be a string or object"}
	}
}

// NormalizeKey 将清单条目或请求目标转换为缓存键：
// 同源绝对地址去掉 scheme 与 host，相对路径补齐前导 /，跨域地址原样保留。
// 路径部分统一为 CanonicalTarget 的转义形式，与拦截器查找时使用的键一致。
func NormalizeKey(entry string, origin *url.URL) string {
	if IsAbsoluteURL(entry) {
		parsed, err := url.Parse(entry)
		if err != nil {
			return entry
		}
		if origin != nil && origin.Host != "" &&
			strings.EqualFold(parsed.Scheme, origin.Scheme) &&
			strings.EqualFold(parsed.Host, origin.Host) {
			key := parsed.EscapedPath()
			if key == "" {
				key = "/"
			}
			if parsed.RawQuery != "" {
				key += "?" + parsed.RawQuery
			}
			return CanonicalTarget(key)
		}
		return entry
	}
	if !strings.HasPrefix(entry, "/") {
		entry = "/" + entry
	}
	return CanonicalTarget(entry)
}

// CanonicalTarget 规范化 path[?query] 的路径部分：先解码再按 URL 路径规则转义，
// 使 "/a b.js" 与 "/a%20b.js" 得到同一个键。查询串保持原样；非法转义的路径原样返回。
func CanonicalTarget(target string) string {
	path, query, hasQuery := strings.Cut(target, "?")
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return target
	}
	canonical := (&url.URL{Path: decoded}).EscapedPath()
	if hasQuery {
		canonical += "?" + query
	}
	return canonical
}

// IsAbsoluteURL 判断条目是否为带 http(s) scheme 的绝对地址。
func IsAbsoluteURL(entry string) bool {
	lower := strings.ToLower(entry)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
