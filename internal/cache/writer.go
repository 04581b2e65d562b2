package cache

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
)

// ResponseWriter 把完整的 HTTP 响应（状态行、头部、正文）写入 Store，并能按请求读回。
type ResponseWriter struct {
	store Store
}

// NewResponseWriter 绑定底层 Store。
func NewResponseWriter(store Store) ResponseWriter {
	return ResponseWriter{store: store}
}

// Store 返回底层存储。
func (w ResponseWriter) Store() Store {
	return w.store
}

// Put 序列化响应并写入 locator。正文必须已完整读入内存（见 BufferResponse）。
func (w ResponseWriter) Put(ctx context.Context, locator Locator, resp *http.Response) (*Entry, error) {
	raw, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, fmt.Errorf("serialize response: %w", err)
	}
	return w.store.Put(ctx, locator, bytes.NewReader(raw))
}

// Get 读回 locator 对应的响应，返回的响应正文已在内存中，可直接交给调用方。
func (w ResponseWriter) Get(ctx context.Context, locator Locator, req *http.Request) (*http.Response, error) {
	result, err := w.store.Get(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer result.Reader.Close()

	resp, err := http.ReadResponse(bufio.NewReader(result.Reader), req)
	if err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	if err := BufferResponse(resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return resp, nil
}

// BufferResponse 将响应正文完整读入内存，使其可以同时被缓存与返回给调用方。
func BufferResponse(resp *http.Response) error {
	if resp.Body == nil {
		resp.Body = http.NoBody
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	resp.Header.Del("Transfer-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}
