// Package store 是音频字节的持久化 KV 存储：单表、以 URL 为主键，记录正文与写入时间戳
// （epoch 毫秒），并在 timestamp 上建立二级索引以支持按时间升序遍历与批量淘汰。
// 同一 URL 至多一条记录，重复写入以最后一次为准；读取路径从不删除过期记录。
package store

import (
	"context"
	"errors"
	"time"
)

// ErrStorageUnavailable 表示平台无法提供持久化存储（目录不可写、驱动打开失败等）。
var ErrStorageUnavailable = errors.New("persistent storage unavailable")

// Record 是一条缓存的音频记录。
type Record struct {
	URL       string
	Payload   []byte
	Timestamp int64
}

// Age 返回记录相对 now 的年龄。
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.Timestamp))
}

// Stats 汇总存储概况，仅用于诊断展示。
type Stats struct {
	Entries     int
	StoredBytes int64
	Oldest      time.Time
	Newest      time.Time
}

// Store 描述持久化音频存储的全部操作，实现需保证并发安全。
type Store interface {
	// Get 点查；不存在时返回 (Record{}, false, nil)，而不是错误。
	Get(ctx context.Context, url string) (Record, bool, error)

	// Put 按 URL upsert，覆盖已有记录。
	Put(ctx context.Context, url string, payload []byte, timestamp int64) error

	// Delete 删除单条记录，不存在时不报错。
	Delete(ctx context.Context, url string) error

	// DeleteOlderThan 按 timestamp 升序删除年龄不小于 maxAge 的记录（与读取时的过期判断一致）；
	// maxAge <= 0 时清空全部。
	DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int, error)

	// Count 返回记录条数（不是字节数）。
	Count(ctx context.Context) (int, error)

	// IterateByAge 按 timestamp 升序遍历，fn 返回错误时终止。
	IterateByAge(ctx context.Context, fn func(Record) error) error

	Stats(ctx context.Context) (Stats, error)

	Close() error
}
