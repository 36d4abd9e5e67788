package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	entrySuffix = ".entry"
	metaDir     = ".meta"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，每个分区对应一个子目录。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(abs, metaDir), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入；写入先落临时文件再 rename。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, partition, key string) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	filePath, err := s.entryPath(partition, key)
	if err != nil {
		return nil, err
	}

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

	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeEntry(raw)
}

func (s *fileStore) Put(ctx context.Context, partition, key string, entry *Entry) error {
	return s.PutAll(ctx, partition, map[string]*Entry{key: entry})
}

// PutAll 先把所有条目写入临时文件，全部成功后才逐个 rename，
// 任一写入失败时已写的临时文件会被清理，分区内容保持不变。
func (s *fileStore) PutAll(ctx context.Context, partition string, entries map[string]*Entry) error {
	if err := validatePartition(partition); err != nil {
		return err
	}
	dir := filepath.Join(s.basePath, partition)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	type staged struct {
		key    string
		temp   string
		target string
	}
	pending := make([]staged, 0, len(entries))
	cleanup := func() {
		for _, item := range pending {
			os.Remove(item.temp)
		}
	}

	for key, entry := range entries {
		if err := checkContext(ctx); err != nil {
			cleanup()
			return err
		}
		raw, err := encodeEntry(stampEntry(entry))
		if err != nil {
			cleanup()
			return fmt.Errorf("encode %s: %w", key, err)
		}
		temp, err := writeTemp(dir, raw)
		if err != nil {
			cleanup()
			return err
		}
		pending = append(pending, staged{
			key:    key,
			temp:   temp,
			target: filepath.Join(dir, entryName(key)),
		})
	}

	for i, item := range pending {
		unlock := s.lockEntry(partition, item.key)
		err := os.Rename(item.temp, item.target)
		unlock()
		if err != nil {
			for _, rest := range pending[i:] {
				os.Remove(rest.temp)
			}
			return err
		}
	}
	return nil
}

func (s *fileStore) Partitions(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, partition string) error {
	if err := validatePartition(partition); err != nil {
		return err
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.basePath, partition))
}

func (s *fileStore) DeleteAllExcept(ctx context.Context, prefix string, keep []string) ([]string, error) {
	return deleteAllExcept(ctx, s, prefix, keep)
}

func (s *fileStore) MarkActive(ctx context.Context, prefix, version string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validatePartition(prefix); err != nil {
		return err
	}
	dir := filepath.Join(s.basePath, metaDir)
	temp, err := writeTemp(dir, []byte(version))
	if err != nil {
		return err
	}
	if err := os.Rename(temp, filepath.Join(dir, prefix+".active")); err != nil {
		os.Remove(temp)
		return err
	}
	return nil
}

func (s *fileStore) ActiveVersion(ctx context.Context, prefix string) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}
	if err := validatePartition(prefix); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(filepath.Join(s.basePath, metaDir, prefix+".active"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(partition, key string) func() {
	lockKey := partition + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(partition, key string) (string, error) {
	if err := validatePartition(partition); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, partition, entryName(key)), nil
}

// entryName 对 key 做 sha1，避免查询串中的字符落到文件名里。
func entryName(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:]) + entrySuffix
}

func writeTemp(dir string, raw []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	name := tempFile.Name()
	_, err = tempFile.Write(raw)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
