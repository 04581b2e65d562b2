package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
)

const (
	encodingIdentity = "identity"
	encodingZstd     = "zstd"

	iterateBatchSize = 64
)

// Options 控制 SQLite 存储的可选行为。
type Options struct {
	// Compress 为 true 时正文以 zstd 压缩落盘，读取时透明解压。
	Compress bool
	// Now 用于 DeleteOlderThan 的年龄计算，默认 time.Now。
	Now func() time.Time
}

// SQLiteStore 基于 go-sqlite3 的 Store 实现：单写连接 + WAL，按 URL 主键 upsert。
type SQLiteStore struct {
	db       *sql.DB
	path     string
	compress bool
	now      func() time.Time

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ Store = (*SQLiteStore)(nil)

// Open 打开（首次使用时创建）音频库，任何失败都包装为 ErrStorageUnavailable。
func Open(path string, opts Options) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: database path required", ErrStorageUnavailable)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create database dir: %v", ErrStorageUnavailable, err)
	}

	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorageUnavailable, err)
	}
	// 单连接串行化写入，避免 SQLITE_BUSY；并发调用方在 database/sql 连接池上排队。
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", ErrStorageUnavailable, err)
	}

	s := &SQLiteStore{
		db:       db,
		path:     path,
		compress: opts.Compress,
		now:      opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create tables: %v", ErrStorageUnavailable, err)
	}

	// 即使当前未开启压缩，也需要能读取历史上压缩写入的记录。
	s.decoder, err = zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	if s.compress {
		s.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			s.decoder.Close()
			db.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}

	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS audio_cache (
			url TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			encoding TEXT NOT NULL DEFAULT 'identity',
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audio_cache_timestamp ON audio_cache(timestamp)`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// Path 返回数据库文件路径。
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Get(ctx context.Context, url string) (Record, bool, error) {
	var (
		payload   []byte
		encoding  string
		timestamp int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, encoding, timestamp FROM audio_cache WHERE url = ?`, url,
	).Scan(&payload, &encoding, &timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get %s: %w", url, err)
	}

	decoded, err := s.decodePayload(payload, encoding)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode %s: %w", url, err)
	}
	return Record{URL: url, Payload: decoded, Timestamp: timestamp}, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, url string, payload []byte, timestamp int64) error {
	if url == "" {
		return errors.New("url required")
	}
	stored, encoding := s.encodePayload(payload)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audio_cache (url, payload, encoding, timestamp) VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			payload = excluded.payload,
			encoding = excluded.encoding,
			timestamp = excluded.timestamp`,
		url, stored, encoding, timestamp,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", url, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audio_cache WHERE url = ?`, url); err != nil {
		return fmt.Errorf("delete %s: %w", url, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	var (
		result sql.Result
		err    error
	)
	if maxAge <= 0 {
		result, err = s.db.ExecContext(ctx, `DELETE FROM audio_cache`)
	} else {
		cutoff := s.now().Add(-maxAge).UnixMilli()
		result, err = s.db.ExecContext(ctx,
			`DELETE FROM audio_cache WHERE url IN (
				SELECT url FROM audio_cache WHERE timestamp <= ? ORDER BY timestamp ASC
			)`, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("delete older than %s: %w", maxAge, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audio_cache`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

// IterateByAge 以 (timestamp, url) 键集分页读取，每批读取完毕后才回调 fn，
// 因此 fn 内可以安全地再次调用 Store（单连接下不会自锁）。
func (s *SQLiteStore) IterateByAge(ctx context.Context, fn func(Record) error) error {
	var (
		lastTS  int64
		lastURL string
		first   = true
	)
	for {
		batch, err := s.nextBatch(ctx, first, lastTS, lastURL)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, record := range batch {
			if err := fn(record); err != nil {
				return err
			}
		}
		last := batch[len(batch)-1]
		lastTS, lastURL, first = last.Timestamp, last.URL, false
	}
}

func (s *SQLiteStore) nextBatch(ctx context.Context, first bool, lastTS int64, lastURL string) ([]Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if first {
		rows, err = s.db.QueryContext(ctx,
			`SELECT url, payload, encoding, timestamp FROM audio_cache
			ORDER BY timestamp ASC, url ASC LIMIT ?`, iterateBatchSize)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT url, payload, encoding, timestamp FROM audio_cache
			WHERE timestamp > ? OR (timestamp = ? AND url > ?)
			ORDER BY timestamp ASC, url ASC LIMIT ?`, lastTS, lastTS, lastURL, iterateBatchSize)
	}
	if err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	defer rows.Close()

	batch := make([]Record, 0, iterateBatchSize)
	for rows.Next() {
		var (
			record   Record
			payload  []byte
			encoding string
		)
		if err := rows.Scan(&record.URL, &payload, &encoding, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("iterate scan: %w", err)
		}
		record.Payload, err = s.decodePayload(payload, encoding)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", record.URL, err)
		}
		batch = append(batch, record)
	}
	return batch, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var (
		stats          Stats
		oldest, newest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0), MIN(timestamp), MAX(timestamp) FROM audio_cache`,
	).Scan(&stats.Entries, &stats.StoredBytes, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = time.UnixMilli(oldest.Int64)
	}
	if newest.Valid {
		stats.Newest = time.UnixMilli(newest.Int64)
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	if s.encoder != nil {
		s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return s.db.Close()
}

func (s *SQLiteStore) encodePayload(payload []byte) ([]byte, string) {
	if s.encoder == nil {
		if payload == nil {
			payload = []byte{}
		}
		return payload, encodingIdentity
	}
	return s.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2)), encodingZstd
}

func (s *SQLiteStore) decodePayload(stored []byte, encoding string) ([]byte, error) {
	switch encoding {
	case encodingIdentity, "":
		return stored, nil
	case encodingZstd:
		return s.decoder.DecodeAll(stored, nil)
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
}
