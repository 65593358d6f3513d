package task

import "context"

// Handler 消费一条队列消息，参数是待执行任务的 ID。
// 返回非 nil 错误表示基础设施层面处理失败，消息会被重新投递；
// 任务本身的业务失败由执行引擎落库，不通过错误上抛。
type Handler func(ctx context.Context, taskID string) error

// Producer 把待执行的任务 ID 投递到队列。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个并发 worker 消费队列，直到 ctx 取消。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是同时支持投递与消费的队列实现。
type Queue interface {
	Producer
	Consumer
}
