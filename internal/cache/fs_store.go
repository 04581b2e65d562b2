package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".resp"

// NewStore 以 basePath 为根目录构建响应缓存，进程内复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入；nsMu 保证删除命名空间时没有进行中的读写。
type fileStore struct {
	basePath string

	nsMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry: Entry{
			Locator:   locator,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader) (*Entry, error) {
	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	unlock := s.lockEntry(filePath)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: written,
		ModTime:   info.ModTime(),
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}

	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	unlock := s.lockEntry(filePath)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Count(ctx context.Context, namespace string) (int, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return 0, err
	}

	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	count := 0
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && p == dir {
				return fs.SkipAll
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), entrySuffix) {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *fileStore) Namespaces(ctx context.Context) ([]string, error) {
	s.nsMu.RLock()
	defer s.nsMu.RUnlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && validNamespace(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) DropNamespace(ctx context.Context, namespace string) error {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return err
	}

	s.nsMu.Lock()
	defer s.nsMu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("drop namespace %s: %w", namespace, err)
	}
	return nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) namespaceDir(namespace string) (string, error) {
	if !validNamespace(namespace) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}
	return filepath.Join(s.basePath, namespace), nil
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	dir, err := s.namespaceDir(locator.Namespace)
	if err != nil {
		return "", err
	}
	if locator.URL == "" {
		return "", errors.New("url required")
	}
	key := locatorHash(locator)
	return filepath.Join(dir, key[:2], key+entrySuffix), nil
}

func validNamespace(namespace string) bool {
	if namespace == "" || strings.HasPrefix(namespace, ".") {
		return false
	}
	return !strings.ContainsAny(namespace, `/\`)
}

func locatorHash(locator Locator) string {
	method := strings.ToUpper(locator.Method)
	if method == "" {
		method = "GET"
	}
	sum := sha256.Sum256([]byte(method + " " + locator.URL))
	return hex.EncodeToString(sum[:])
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
