package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisOptions 描述 redis 后端的连接参数。
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// NewRedisStore 连接 redis 并返回 Store。每个分区是一个 hash，
// 分区名集合保存在 "<ns>:partitions"，激活版本保存在 "<ns>:active:<prefix>"。
func NewRedisStore(ctx context.Context, opts RedisOptions) (Store, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address required")
	}
	if opts.Namespace == "" {
		opts.Namespace = "folio-cache"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &redisStore{client: client, ns: opts.Namespace}, nil
}

type redisStore struct {
	client *redis.Client
	ns     string
}

func (s *redisStore) partitionKey(partition string) string {
	return s.ns + ":part:" + partition
}

func (s *redisStore) partitionsKey() string {
	return s.ns + ":partitions"
}

func (s *redisStore) activeKey(prefix string) string {
	return s.ns + ":active:" + prefix
}

func (s *redisStore) Get(ctx context.Context, partition, key string) (*Entry, error) {
	raw, err := s.client.HGet(ctx, s.partitionKey(partition), key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return decodeEntry(raw)
}

func (s *redisStore) Put(ctx context.Context, partition, key string, entry *Entry) error {
	return s.PutAll(ctx, partition, map[string]*Entry{key: entry})
}

// PutAll 在 MULTI/EXEC 事务中写入分区 hash 与分区集合。
func (s *redisStore) PutAll(ctx context.Context, partition string, entries map[string]*Entry) error {
	if err := validatePartition(partition); err != nil {
		return err
	}
	values := make(map[string]interface{}, len(entries))
	for key, entry := range entries {
		raw, err := encodeEntry(stampEntry(entry))
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		values[key] = raw
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.partitionsKey(), partition)
		if len(values) > 0 {
			pipe.HSet(ctx, s.partitionKey(partition), values)
		}
		return nil
	})
	return err
}

func (s *redisStore) Partitions(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.partitionsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStore) Delete(ctx context.Context, partition string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.partitionKey(partition))
		pipe.SRem(ctx, s.partitionsKey(), partition)
		return nil
	})
	return err
}

func (s *redisStore) DeleteAllExcept(ctx context.Context, prefix string, keep []string) ([]string, error) {
	return deleteAllExcept(ctx, s, prefix, keep)
}

func (s *redisStore) MarkActive(ctx context.Context, prefix, version string) error {
	return s.client.Set(ctx, s.activeKey(prefix), version, 0).Err()
}

func (s *redisStore) ActiveVersion(ctx context.Context, prefix string) (string, error) {
	version, err := s.client.Get(ctx, s.activeKey(prefix)).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return version, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
