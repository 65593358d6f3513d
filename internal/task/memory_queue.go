package task

import (
	"context"
	"errors"
	"sync"
)

// MemoryQueue 基于带缓冲 channel 的进程内队列，用于测试与单机部署。
type MemoryQueue struct {
	buf    chan string
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{buf: make(chan string, size)}
}

// Publish 将任务 ID 写入缓冲区，队列已关闭时报错。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.buf <- taskID:
		return nil
	}
}

// Consume 启动 workerCount 个消费协程，阻塞直到 ctx 取消。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			q.worker(ctx, handler)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) worker(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID, ok := <-q.buf:
			if !ok {
				return
			}
			_ = handler(ctx, taskID)
		}
	}
}

// Drain 同步消费当前积压的全部任务，测试里用它代替后台 worker。
func (q *MemoryQueue) Drain(ctx context.Context, handler Handler) error {
	for {
		select {
		case taskID := <-q.buf:
			if err := handler(ctx, taskID); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Close 关闭内存队列，重复调用是安全的。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.buf)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
