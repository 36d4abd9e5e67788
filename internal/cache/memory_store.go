package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryStore 返回进程内存储，重启即丢失，适合测试与临时部署。
func NewMemoryStore() Store {
	return &memoryStore{
		partitions: make(map[string]map[string]*Entry),
		active:     make(map[string]string),
	}
}

type memoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*Entry
	active     map[string]string
}

func (s *memoryStore) Get(ctx context.Context, partition, key string) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.partitions[partition][key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

func (s *memoryStore) Put(ctx context.Context, partition, key string, entry *Entry) error {
	return s.PutAll(ctx, partition, map[string]*Entry{key: entry})
}

func (s *memoryStore) PutAll(ctx context.Context, partition string, entries map[string]*Entry) error {
	if err := validatePartition(partition); err != nil {
		return err
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	stamped := make(map[string]*Entry, len(entries))
	for key, entry := range entries {
		stamped[key] = stampEntry(entry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.partitions[partition]
	if bucket == nil {
		bucket = make(map[string]*Entry, len(stamped))
		s.partitions[partition] = bucket
	}
	for key, entry := range stamped {
		bucket[key] = entry
	}
	return nil
}

func (s *memoryStore) Partitions(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Delete(ctx context.Context, partition string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.partitions, partition)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) DeleteAllExcept(ctx context.Context, prefix string, keep []string) ([]string, error) {
	return deleteAllExcept(ctx, s, prefix, keep)
}

func (s *memoryStore) MarkActive(ctx context.Context, prefix, version string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.active[prefix] = version
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) ActiveVersion(ctx context.Context, prefix string) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[prefix], nil
}

func (s *memoryStore) Close() error {
	return nil
}
