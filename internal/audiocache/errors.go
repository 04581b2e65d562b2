package audiocache

import (
	"errors"
	"fmt"
)

// Kind 是缓存层错误的封闭分类。
type Kind int

const (
	// KindStorageUnavailable 持久化存储无法打开，管理器退化为直连网络。
	KindStorageUnavailable Kind = iota + 1
	// KindNetwork 网络请求失败或返回非 2xx，Status 为 0 表示传输层失败。
	KindNetwork
	// KindDecode 字节无法解码或播放。
	KindDecode
	// KindWrite 写入缓存失败，只记录日志不向上抛出。
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindStorageUnavailable:
		return "storage_unavailable"
	case KindNetwork:
		return "network"
	case KindDecode:
		return "decode"
	case KindWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Error 携带分类、URL 以及（网络错误时的）HTTP 状态码。
type Error struct {
	Kind   Kind
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindNetwork && e.Status != 0:
		return fmt.Sprintf("%s %s: http status %d", e.Kind, e.URL, e.Status)
	case e.Err != nil && e.URL != "":
		return fmt.Sprintf("%s %s: %v", e.Kind, e.URL, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind 判断 err 链上是否存在指定分类的 *Error。
func IsKind(err error, kind Kind) bool {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind == kind
	}
	return false
}

// NewDecodeError 供播放层包装解码/播放失败。
func NewDecodeError(url string, err error) error {
	return &Error{Kind: KindDecode, URL: url, Err: err}
}

var errNoStore = errors.New("persistent audio store is not available")
