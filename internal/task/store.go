package task

import "context"

// Store 抽象了任务的持久化接口。
type Store interface {
	// Create 插入新任务，ID 冲突时返回 ErrTaskConflict。
	Create(ctx context.Context, task *Task) error
	// Get 返回指定任务，不存在时返回 ErrTaskNotFound。
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 原子地把 PENDING 任务转为 RUNNING 并返回。
	// 任务不处于 PENDING 时返回 ErrTaskConflict，避免重复消费。
	Claim(ctx context.Context, id string) (*Task, error)
	// Update 写回任务的状态、步骤与日志。
	Update(ctx context.Context, task *Task) error
	// Transition 带前置状态守卫地修改任务状态。
	Transition(ctx context.Context, id string, from, to Status) error
	// ListByUser 返回用户的任务，按创建时间倒序。
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Task, error)
	Close() error
}
