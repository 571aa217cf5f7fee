package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "stark-backend/internal/errors"
	"stark-backend/internal/observability/metrics"
)

// DefaultRedisQueue 是默认的 Redis list 名称。
const DefaultRedisQueue = "stark:messages"

// RedisQueue 使用 Redis list 实现消息队列：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 基于已有客户端创建队列。
func NewRedisQueue(client *redis.Client, queue string, blockWait time.Duration) *RedisQueue {
	if queue == "" {
		queue = DefaultRedisQueue
	}
	if blockWait <= 0 {
		blockWait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: blockWait}
}

// Publish 将消息 ID 投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, messageID string) error {
	depth, err := q.client.LPush(ctx, q.queue, messageID).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布消息失败")
	}
	metrics.SetQueueDepth(int(depth))
	return nil
}

// Consume 通过 BRPOP 获取消息，处理失败时放回队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取消息失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				id := values[1]
				if handlerErr := handler(ctx, id); handlerErr != nil && ctx.Err() == nil {
					_ = q.client.RPush(ctx, q.queue, id).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 不关闭共享的 Redis 客户端，客户端由创建方负责释放。
func (q *RedisQueue) Close() error {
	return nil
}

var _ Queue = (*RedisQueue)(nil)
