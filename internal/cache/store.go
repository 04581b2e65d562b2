package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理拦截层响应缓存的读写。磁盘布局遵循：
//
//	<basePath>/<namespace>/<hash[:2]>/<hash>.resp    # 序列化后的完整 HTTP 响应
//
// 命名空间之间互不可见，版本升级时整体删除旧命名空间。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 通过临时文件 + rename 原子写入条目，失败时清理临时文件。
	Put(ctx context.Context, locator Locator, body io.Reader) (*Entry, error)

	// Remove 删除单个条目，不存在时不报错。
	Remove(ctx context.Context, locator Locator) error

	// Count 返回命名空间内的条目数，命名空间不存在时为 0。
	Count(ctx context.Context, namespace string) (int, error)

	// Namespaces 列出磁盘上现存的全部命名空间。
	Namespaces(ctx context.Context) ([]string, error)

	// DropNamespace 删除整个命名空间。
	DropNamespace(ctx context.Context, namespace string) error
}

// Locator 唯一定位一个缓存条目（命名空间 + 请求方法 + 完整 URL）。
type Locator struct {
	Namespace string
	Method    string
	URL       string
}

// RequestLocator 由请求构建 Locator，方法为空时按 GET 处理。
func RequestLocator(namespace string, req *http.Request) Locator {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return Locator{Namespace: namespace, Method: method, URL: req.URL.String()}
}

// Entry 描述一个已落盘的缓存条目。
type Entry struct {
	Locator   Locator   `json:"locator"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidNamespace 表示命名空间名称不能安全映射为目录。
	ErrInvalidNamespace = errors.New("invalid cache namespace")
)
