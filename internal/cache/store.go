package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Store 管理所有分区的读写。实现必须保证单个键的 Put/Get 原子，
// 并允许多个请求并发访问任意分区。
type Store interface {
	// Get 返回分区内 key 对应的条目副本，不存在时返回 ErrNotFound。
	Get(ctx context.Context, partition, key string) (*Entry, error)

	// Put 写入（或覆盖）一个条目。
	Put(ctx context.Context, partition, key string, entry *Entry) error

	// PutAll 以一个批次写入多个条目，后端支持时保证全部成功或全部不可见。
	PutAll(ctx context.Context, partition string, entries map[string]*Entry) error

	// Partitions 返回当前存在的全部分区名（按字典序）。
	Partitions(ctx context.Context) ([]string, error)

	// Delete 删除整个分区，分区不存在时不报错。
	Delete(ctx context.Context, partition string) error

	// DeleteAllExcept 删除所有以 prefix 开头且不在 keep 中的分区，返回已删除的分区名。
	// 单个分区删除失败不会中断其余分区，错误通过 errors.Join 汇总返回。
	DeleteAllExcept(ctx context.Context, prefix string, keep []string) ([]string, error)

	// MarkActive 记录某个应用前缀最近一次成功激活的版本。
	MarkActive(ctx context.Context, prefix, version string) error

	// ActiveVersion 返回 MarkActive 记录的版本，没有记录时返回空字符串。
	ActiveVersion(ctx context.Context, prefix string) (string, error)

	// Close 释放底层资源。
	Close() error
}

// Entry 是一次被缓存的响应：状态码、响应头与完整正文。
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 返回深拷贝，调用方可以安全修改返回值的 Header/Body。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := &Entry{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		StoredAt: e.StoredAt,
	}
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	if e.Body != nil {
		clone.Body = append([]byte(nil), e.Body...)
	}
	return clone
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidPartition 表示分区名为空或包含非法字符。
var ErrInvalidPartition = errors.New("invalid partition name")

// RequestKey 构造分区内的请求标识：METHOD + 空格 + request URI（含查询串）。
func RequestKey(method, requestURI string) string {
	if method == "" {
		method = http.MethodGet
	}
	if requestURI == "" {
		requestURI = "/"
	}
	return strings.ToUpper(method) + " " + requestURI
}

func validatePartition(partition string) error {
	if partition == "" || strings.ContainsAny(partition, "/\\\x00") || partition == "." || partition == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidPartition, partition)
	}
	return nil
}

// partitionLister 是 deleteAllExcept 所需的最小能力集合，各后端复用。
type partitionLister interface {
	Partitions(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, partition string) error
}

func deleteAllExcept(ctx context.Context, s partitionLister, prefix string, keep []string) ([]string, error) {
	if prefix == "" {
		return nil, errors.New("partition prefix required")
	}
	names, err := s.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	keepSet := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}

	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, ok := keepSet[name]; ok {
			continue
		}
		if err := s.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete partition %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func stampEntry(entry *Entry) *Entry {
	clone := entry.Clone()
	if clone.StoredAt.IsZero() {
		clone.StoredAt = time.Now().UTC()
	}
	return clone
}
