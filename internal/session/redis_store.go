package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"stark-backend/internal/agent"
	xerrors "stark-backend/internal/errors"
)

// DefaultRedisPrefix 是会话键的默认前缀。
const DefaultRedisPrefix = "stark:session:"

// RedisStore 将上下文保存为带过期时间的字符串键。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption 定义 RedisStore 的可选配置。
type RedisOption func(*RedisStore)

// WithRedisPrefix 替换键前缀。
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL 设置上下文的过期时间，0 表示永不过期。
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

// NewRedisStore 基于已有客户端创建存储。
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultRedisPrefix, ttl: 24 * time.Hour}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// SaveContext 每次保存都会刷新过期时间。
func (s *RedisStore) SaveContext(ctx context.Context, key string, c *agent.Context) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := encode(c)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 保存会话上下文失败")
	}
	return nil
}

// LoadContext 实现 Store 接口。
func (s *RedisStore) LoadContext(ctx context.Context, key string) (*agent.Context, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(key)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取会话上下文失败")
	}
	return decode(key, data)
}

// DeleteContext 实现 Store 接口。
func (s *RedisStore) DeleteContext(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 删除会话上下文失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
