package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	payload := []byte("ID3-fake-mp3")
	if err := s.Put(ctx, "https://audio.local/41.mp3", payload, 1000); err != nil {
		t.Fatalf("put error: %v", err)
	}

	record, ok, err := s.Get(ctx, "https://audio.local/41.mp3")
	if err != nil || !ok {
		t.Fatalf("get error: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(record.Payload, payload) {
		t.Fatalf("payload mismatch: %q", record.Payload)
	}
	if record.Timestamp != 1000 || record.URL != "https://audio.local/41.mp3" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestGetMissingIsNotError(t *testing.T) {
	s := newTestStore(t, Options{})

	_, ok, err := s.Get(context.Background(), "https://audio.local/none.mp3")
	if err != nil {
		t.Fatalf("缺失记录不应返回错误: %v", err)
	}
	if ok {
		t.Fatalf("expected miss")
	}
}

func TestPutOverwritesSameURL(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	url := "https://audio.local/42.mp3"

	if err := s.Put(ctx, url, []byte("first"), 10); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := s.Put(ctx, url, []byte("second"), 20); err != nil {
		t.Fatalf("put error: %v", err)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("同一 URL 只能有一条记录，得到 %d", count)
	}
	record, _, _ := s.Get(ctx, url)
	if string(record.Payload) != "second" || record.Timestamp != 20 {
		t.Fatalf("最后一次写入应生效: %+v", record)
	}
}

func TestDeleteOlderThanZeroClearsAll(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	now := time.Now().UnixMilli()

	for i, url := range []string{"a.mp3", "b.mp3", "c.mp3"} {
		if err := s.Put(ctx, url, []byte{byte(i)}, now); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}

	removed, err := s.DeleteOlderThan(ctx, 0)
	if err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if count, _ := s.Count(ctx); count != 0 {
		t.Fatalf("清空后 Count 应为 0，得到 %d", count)
	}
}

func TestDeleteOlderThanKeepsFreshEntries(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, Options{Now: func() time.Time { return now }})
	ctx := context.Background()
	maxAge := 30 * 24 * time.Hour

	stale := now.Add(-maxAge - time.Minute).UnixMilli()
	fresh := now.Add(-maxAge + time.Minute).UnixMilli()
	if err := s.Put(ctx, "stale.mp3", []byte("old"), stale); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := s.Put(ctx, "fresh.mp3", []byte("new"), fresh); err != nil {
		t.Fatalf("put error: %v", err)
	}

	removed, err := s.DeleteOlderThan(ctx, maxAge)
	if err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok, _ := s.Get(ctx, "stale.mp3"); ok {
		t.Fatalf("过期记录应被淘汰")
	}
	if _, ok, _ := s.Get(ctx, "fresh.mp3"); !ok {
		t.Fatalf("未过期记录应保留")
	}
}

func TestDeleteOlderThanRemovesEntryExactlyMaxAgeOld(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, Options{Now: func() time.Time { return now }})
	ctx := context.Background()
	maxAge := 30 * 24 * time.Hour

	seeds := map[string]time.Duration{
		"edge.mp3":    maxAge,
		"younger.mp3": maxAge - time.Millisecond,
	}
	for url, age := range seeds {
		if err := s.Put(ctx, url, []byte("x"), now.Add(-age).UnixMilli()); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}

	removed, err := s.DeleteOlderThan(ctx, maxAge)
	if err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok, _ := s.Get(ctx, "edge.mp3"); ok {
		t.Fatalf("恰好 maxAge 的记录读取时已过期，清理也应删除")
	}
	if _, ok, _ := s.Get(ctx, "younger.mp3"); !ok {
		t.Fatalf("差 1ms 未到期的记录应保留")
	}
}

func TestCountIsEntriesNotBytes(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	if err := s.Put(ctx, "small.mp3", make([]byte, 10), 1); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := s.Put(ctx, "large.mp3", make([]byte, 10<<20), 2); err != nil {
		t.Fatalf("put error: %v", err)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 entries, got %d", count)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if stats.Entries != 2 || stats.StoredBytes != 10+10<<20 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Oldest.UnixMilli() != 1 || stats.Newest.UnixMilli() != 2 {
		t.Fatalf("unexpected stats range: %+v", stats)
	}
}

func TestIterateByAgeAscending(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	// 超过单批大小，覆盖键集分页。
	total := iterateBatchSize*2 + 5
	for i := total; i > 0; i-- {
		url := fmt.Sprintf("clip-%03d.mp3", i)
		if err := s.Put(ctx, url, []byte{1}, int64(i%7)); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}

	var (
		seen int
		last int64 = -1
	)
	err := s.IterateByAge(ctx, func(r Record) error {
		if r.Timestamp < last {
			t.Fatalf("timestamp out of order: %d after %d", r.Timestamp, last)
		}
		last = r.Timestamp
		seen++
		// 回调内再次访问存储不应死锁。
		if _, _, err := s.Get(ctx, r.URL); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("iterate error: %v", err)
	}
	if seen != total {
		t.Fatalf("expected %d records, got %d", total, seen)
	}
}

func TestIterateByAgeStopsOnError(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = s.Put(ctx, string(rune('a'+i))+".mp3", []byte{1}, int64(i))
	}

	stop := errors.New("stop")
	calls := 0
	err := s.IterateByAge(ctx, func(Record) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected stop error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestCompressedPayloadsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.db")
	ctx := context.Background()
	payload := bytes.Repeat([]byte("hisn-al-muslim "), 4096)

	compressed, err := Open(path, Options{Compress: true})
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if err := compressed.Put(ctx, "z.mp3", payload, 5); err != nil {
		t.Fatalf("put error: %v", err)
	}
	stats, _ := compressed.Stats(ctx)
	if stats.StoredBytes >= int64(len(payload)) {
		t.Fatalf("压缩后体积应更小: %d >= %d", stats.StoredBytes, len(payload))
	}
	compressed.Close()

	// 关闭压缩后重新打开，仍能读出历史压缩记录。
	plain, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer plain.Close()
	record, ok, err := plain.Get(ctx, "z.mp3")
	if err != nil || !ok {
		t.Fatalf("get error: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(record.Payload, payload) {
		t.Fatalf("解压后内容不一致")
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audio.db")
	ctx := context.Background()

	first, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if err := first.Put(ctx, "persist.mp3", []byte("x"), 7); err != nil {
		t.Fatalf("put error: %v", err)
	}
	first.Close()

	second, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer second.Close()
	if _, ok, _ := second.Get(ctx, "persist.mp3"); !ok {
		t.Fatalf("记录应在重启后保留")
	}
}

func TestOpenFailureIsStorageUnavailable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	// 父路径是普通文件，目录无法创建。
	_, err := Open(filepath.Join(blocker, "audio.db"), Options{})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}

	if _, err := Open("", Options{}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("空路径应返回 ErrStorageUnavailable, got %v", err)
	}
}

func TestDeleteSingleRecord(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_ = s.Put(ctx, "one.mp3", []byte("1"), 1)
	if err := s.Delete(ctx, "one.mp3"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if err := s.Delete(ctx, "one.mp3"); err != nil {
		t.Fatalf("重复删除不应报错: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "one.mp3"); ok {
		t.Fatalf("记录应已删除")
	}
}

func TestRecordAge(t *testing.T) {
	now := time.UnixMilli(10_000)
	r := Record{Timestamp: 4_000}
	if got := r.Age(now); got != 6*time.Second {
		t.Fatalf("unexpected age %s", got)
	}
}

func newTestStore(t *testing.T, opts Options) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audio.db"), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
