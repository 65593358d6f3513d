package task

import (
	"context"

	xerrors "qubic-autopilot/internal/errors"
	"qubic-autopilot/pkg/logger"
)

// Runner 把队列消费与执行引擎连接起来。
type Runner struct {
	consumer Consumer
	engine   *Engine
	workers  int
}

// NewRunner 创建任务执行器。
func NewRunner(consumer Consumer, engine *Engine, workers int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{consumer: consumer, engine: engine, workers: workers}
}

// Start 阻塞消费队列，直到 ctx 取消。
func (r *Runner) Start(ctx context.Context) error {
	logger.L().Info("任务执行器启动", "workers", r.workers)
	return r.consumer.Consume(ctx, r.workers, r.Handle)
}

// Handle 处理单个任务 ID。任务不存在或已被其他 worker
// 领取时直接跳过；只有基础设施错误才返回给队列触发重投。
func (r *Runner) Handle(ctx context.Context, taskID string) error {
	err := r.engine.Run(ctx, taskID)
	if err == nil {
		return nil
	}
	switch xerrors.CodeOf(err) {
	case CodeTaskNotFound, CodeTaskConflict:
		logger.L().Warn("跳过无法领取的任务", "task_id", taskID, "error", err)
		return nil
	}
	logger.L().Error("任务执行遇到基础设施错误", "task_id", taskID, "error", err)
	return err
}
