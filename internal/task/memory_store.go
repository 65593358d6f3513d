package task

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	xerrors "qubic-autopilot/internal/errors"
)

// MemoryStore 以内存方式保存任务，用于测试与本地开发。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 插入新任务。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回指定任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Claim 原子地把 PENDING 任务转为 RUNNING。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusPending {
		return nil, ErrTaskConflict
	}
	task.Status = StatusRunning
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// Update 写回任务。
func (m *MemoryStore) Update(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	task.UpdatedAt = time.Now().Unix()
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Transition 带守卫地修改任务状态。
func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != from {
		return ErrTaskConflict
	}
	task.Status = to
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// ListByUser 返回用户的任务。
func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit, offset int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var matched []*Task
	for _, task := range m.tasks {
		if task.UserID != userID {
			continue
		}
		matched = append(matched, cloneTask(task))
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt > matched[j].CreatedAt
	})
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// cloneTask 深拷贝任务，步骤参数经由 JSON 往返复制。
func cloneTask(task *Task) *Task {
	clone := *task
	clone.Logs = append([]string(nil), task.Logs...)
	clone.Steps = make([]*Step, len(task.Steps))
	for i, step := range task.Steps {
		stepClone := *step
		if step.Params != nil {
			raw, err := json.Marshal(step.Params)
			if err == nil {
				decoded := make(map[string]any)
				if json.Unmarshal(raw, &decoded) == nil {
					stepClone.Params = decoded
				}
			}
		}
		clone.Steps[i] = &stepClone
	}
	return &clone
}

var _ Store = (*MemoryStore)(nil)
