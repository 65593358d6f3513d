package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "autopilot:tasks"

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 以 Redis list 作为任务队列：LPUSH 投递，BRPOP 消费。
type RedisQueue struct {
	client    *redis.Client
	key       string
	blockWait time.Duration
}

// NewRedisQueue 建立 Redis 连接并验证可达性。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	q := &RedisQueue{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		key:       cfg.Queue,
		blockWait: cfg.BlockWait,
	}
	if q.key == "" {
		q.key = defaultRedisKey
	}
	if q.blockWait <= 0 {
		q.blockWait = 5 * time.Second
	}
	if err := q.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return q, nil
}

// Publish 将任务 ID 压入队列头部。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.key, taskID).Err(); err != nil {
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// Consume 启动 workerCount 个阻塞消费循环，返回第一个致命错误。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go q.consumeLoop(ctx, handler, errCh)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) consumeLoop(ctx context.Context, handler Handler, errCh chan<- error) {
	for {
		if ctx.Err() != nil {
			errCh <- ctx.Err()
			return
		}
		values, err := q.client.BRPop(ctx, q.blockWait, q.key).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, redis.ErrClosed):
			errCh <- err
			return
		default:
			errCh <- fmt.Errorf("Redis 取任务失败: %w", err)
			return
		}
		if len(values) != 2 {
			continue
		}
		taskID := values[1]
		if handlerErr := handler(ctx, taskID); handlerErr != nil {
			// 基础设施错误时重新压回队尾等待重试。
			_ = q.client.RPush(ctx, q.key, taskID).Err()
		}
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
