package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb 键布局：
//
//	e:<partition>\x00<key>  条目
//	p:<partition>           分区标记
//	a:<prefix>              已激活版本
const (
	levelEntryPrefix     = "e:"
	levelPartitionPrefix = "p:"
	levelActivePrefix    = "a:"
)

// NewLevelDBStore 在 path 下打开（或创建）一个 leveldb 数据库作为缓存后端。
func NewLevelDBStore(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStore{db: db}, nil
}

type levelStore struct {
	db *leveldb.DB
}

func levelEntryKey(partition, key string) []byte {
	return []byte(levelEntryPrefix + partition + "\x00" + key)
}

func levelPartitionRange(partition string) *util.Range {
	return util.BytesPrefix([]byte(levelEntryPrefix + partition + "\x00"))
}

func (s *levelStore) Get(ctx context.Context, partition, key string) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	raw, err := s.db.Get(levelEntryKey(partition, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeEntry(raw)
}

func (s *levelStore) Put(ctx context.Context, partition, key string, entry *Entry) error {
	return s.PutAll(ctx, partition, map[string]*Entry{key: entry})
}

// PutAll 把所有条目与分区标记放在同一个 leveldb.Batch 中原子写入。
func (s *levelStore) PutAll(ctx context.Context, partition string, entries map[string]*Entry) error {
	if err := validatePartition(partition); err != nil {
		return err
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(levelPartitionPrefix+partition), nil)
	for key, entry := range entries {
		raw, err := encodeEntry(stampEntry(entry))
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		batch.Put(levelEntryKey(partition, key), raw)
	}
	return s.db.Write(batch, nil)
}

func (s *levelStore) Partitions(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelPartitionPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(levelPartitionPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStore) Delete(ctx context.Context, partition string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(levelPartitionPrefix + partition))

	it := s.db.NewIterator(levelPartitionRange(partition), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *levelStore) DeleteAllExcept(ctx context.Context, prefix string, keep []string) ([]string, error) {
	return deleteAllExcept(ctx, s, prefix, keep)
}

func (s *levelStore) MarkActive(ctx context.Context, prefix, version string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	return s.db.Put([]byte(levelActivePrefix+prefix), []byte(version), nil)
}

func (s *levelStore) ActiveVersion(ctx context.Context, prefix string) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}
	raw, err := s.db.Get([]byte(levelActivePrefix+prefix), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(raw), nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}
