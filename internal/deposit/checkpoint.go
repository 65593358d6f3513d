// Package deposit 实现入账监听器：周期性扫描托管身份的链上
// 入账转账，幂等记入虚拟账本，并持久化扫描进度。
package deposit

import (
	"context"
	"sync"
)

// CheckpointStore 持久化每个托管身份的扫描进度（已处理到的区块）。
// 进度只在整批转账处理完成后推进，重启后从上次的位置继续。
type CheckpointStore interface {
	Checkpoint(ctx context.Context, identity string) (uint64, error)
	SaveCheckpoint(ctx context.Context, identity string, block uint64) error
	Close() error
}

// MemoryCheckpointStore 是 CheckpointStore 的内存实现。
type MemoryCheckpointStore struct {
	mu     sync.RWMutex
	blocks map[string]uint64
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)

// NewMemoryCheckpointStore 创建内存进度存储。
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{blocks: make(map[string]uint64)}
}

// Checkpoint 返回已处理到的区块，没有记录时返回 0。
func (s *MemoryCheckpointStore) Checkpoint(_ context.Context, identity string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks[identity], nil
}

// SaveCheckpoint 保存扫描进度。
func (s *MemoryCheckpointStore) SaveCheckpoint(_ context.Context, identity string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[identity] = block
	return nil
}

// Close 实现 CheckpointStore 接口。
func (s *MemoryCheckpointStore) Close() error {
	return nil
}
