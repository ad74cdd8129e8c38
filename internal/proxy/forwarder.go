package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/asset-sync/internal/origin"
	"github.com/any-hub/asset-sync/internal/server"
)

// Forwarder 把未命中缓存的请求透传到源站，原样回写状态码、响应头与正文。
type Forwarder struct {
	client *http.Client
	base   *url.URL
}

// NewForwarder 创建透传器，base 为部署源站。
func NewForwarder(client *http.Client, base *url.URL) *Forwarder {
	if client == nil {
		client = http.DefaultClient
	}
	return &Forwarder{client: client, base: base}
}

// Forward 发起上游请求并写回响应；noCache 为 true 时附加 no-cache 请求头。
// 网络失败时返回错误且不写响应，由调用方决定降级方式。
func (f *Forwarder) Forward(c fiber.Ctx, noCache bool) (status int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	req, err := f.buildUpstreamRequest(c, noCache)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Status(resp.StatusCode)
	if c.Method() == http.MethodHead {
		return resp.StatusCode, nil
	}
	if _, err := io.Copy(c.Response().BodyWriter(), resp.Body); err != nil {
		return resp.StatusCode, fmt.Errorf("proxy stream failed: %w", err)
	}
	return resp.StatusCode, nil
}

func (f *Forwarder) upstreamURL(c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	relative := &url.URL{Path: requestPath(c)}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return f.base.ResolveReference(relative)
}

func (f *Forwarder) buildUpstreamRequest(c fiber.Ctx, noCache bool) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	upstream := f.upstreamURL(c)
	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	if noCache {
		origin.NoCacheHeaders(req.Header)
	}
	return req, nil
}

func requestPath(c fiber.Ctx) string {
	pathVal := string(c.Request().URI().Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
