// Package origin 封装对部署源站的访问：拉取清单、下载资源。
// 所有请求都带 no-cache 头，且本层不做重试。
package origin

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/any-hub/asset-sync/internal/cache"
	"github.com/any-hub/asset-sync/internal/manifest"
	"github.com/any-hub/asset-sync/internal/version"
)

// ManifestError 表示清单拉取或解析失败。
type ManifestError struct {
	URL    string
	Status int
	Err    error
}

func (e *ManifestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch manifest %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch manifest %s: %v", e.URL, e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// AssetError 表示单个资源下载失败。
type AssetError struct {
	Key    string
	URL    string
	Status int
	Err    error
}

func (e *AssetError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch asset %s: unexpected status %d", e.Key, e.Status)
	}
	return fmt.Sprintf("fetch asset %s: %v", e.Key, e.Err)
}

func (e *AssetError) Unwrap() error {
	return e.Err
}

// Client 访问单一部署源站，实现 cache.Fetcher。
type Client struct {
	http         *http.Client
	base         *url.URL
	manifestPath string
}

// NewClient 构建源站客户端；manifestPath 为空时使用 /assets_list.json。
func NewClient(httpClient *http.Client, base *url.URL, manifestPath string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if manifestPath == "" {
		manifestPath = "/assets_list.json"
	}
	return &Client{
		http:         httpClient,
		base:         base,
		manifestPath: manifestPath,
	}
}

// ResolveURL 将缓存键还原为请求地址；跨域绝对地址原样返回。
func (c *Client) ResolveURL(key string) string {
	if manifest.IsAbsoluteURL(key) {
		return key
	}
	relative, err := url.Parse(key)
	if err != nil {
		return c.base.String() + key
	}
	return c.base.ResolveReference(relative).String()
}

// FetchManifest 拉取最新清单，绝不使用任何缓存副本。
func (c *Client) FetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	target := c.ResolveURL(c.manifestPath)
	resp, err := c.get(ctx, target)
	if err != nil {
		return nil, &ManifestError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ManifestError{URL: target, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ManifestError{URL: target, Err: err}
	}
	parsed, err := manifest.Parse(body, c.base)
	if err != nil {
		return nil, &ManifestError{URL: target, Err: err}
	}
	return parsed, nil
}

// Fetch 下载单个资源，非 2xx 视为失败。
func (c *Client) Fetch(ctx context.Context, key string) (cache.Payload, error) {
	target := c.ResolveURL(key)
	resp, err := c.get(ctx, target)
	if err != nil {
		return cache.Payload{}, &AssetError{Key: key, URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cache.Payload{}, &AssetError{Key: key, URL: target, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Payload{}, &AssetError{Key: key, URL: target, Err: err}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = inferContentType(key)
	}
	return cache.Payload{Body: body, ContentType: contentType}, nil
}

func (c *Client) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	NoCacheHeaders(req.Header)
	req.Header.Set("User-Agent", version.UserAgent())
	return c.http.Do(req)
}

// NoCacheHeaders 设置请求头，绕过浏览器或中间代理的缓存层。
func NoCacheHeaders(h http.Header) {
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache")
}

func inferContentType(key string) string {
	clean := key
	if idx := strings.IndexAny(clean, "?#"); idx >= 0 {
		clean = clean[:idx]
	}
	if ct := mime.TypeByExtension(path.Ext(clean)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
