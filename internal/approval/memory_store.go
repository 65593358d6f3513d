package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "qubic-autopilot/internal/errors"
)

// MemoryStore 以内存方式保存审批状态，用于测试与本地开发。
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	settings map[string]Settings
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		settings: make(map[string]Settings),
	}
}

// CreateRequest 实现 Store 接口。
func (m *MemoryStore) CreateRequest(_ context.Context, request *Request) error {
	if request == nil || request.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "request 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[request.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "审批请求已存在")
	}
	clone := *request
	m.requests[request.ID] = &clone
	return nil
}

// Request 返回指定 ID 的审批请求。
func (m *MemoryStore) Request(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	request, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *request
	return &clone, nil
}

// UpdateRequest 写回审批请求。
func (m *MemoryStore) UpdateRequest(_ context.Context, request *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[request.ID]; !ok {
		return ErrNotFound
	}
	clone := *request
	m.requests[request.ID] = &clone
	return nil
}

// ListPending 返回用户未过期的 PENDING 请求。
func (m *MemoryStore) ListPending(_ context.Context, userID string, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().Unix()
	var matched []*Request
	for _, request := range m.requests {
		if request.UserID != userID || request.Status != StatusPending {
			continue
		}
		if request.ExpiresAt <= now {
			continue
		}
		clone := *request
		matched = append(matched, &clone)
	}
	sortByCreatedDesc(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// History 返回用户的审批记录。
func (m *MemoryStore) History(_ context.Context, userID string, limit, offset int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var matched []*Request
	for _, request := range m.requests {
		if request.UserID != userID {
			continue
		}
		clone := *request
		matched = append(matched, &clone)
	}
	sortByCreatedDesc(matched)
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// SettingsByUser 返回用户配置，未设置时给默认值。
func (m *MemoryStore) SettingsByUser(_ context.Context, userID string) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if settings, ok := m.settings[userID]; ok {
		return settings, nil
	}
	return DefaultSettings(), nil
}

// SaveSettings 保存用户配置。
func (m *MemoryStore) SaveSettings(_ context.Context, userID string, settings Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[userID] = settings
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func sortByCreatedDesc(requests []*Request) {
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].CreatedAt > requests[j].CreatedAt
	})
}

var _ Store = (*MemoryStore)(nil)
