package approval

import "context"

// Store 抽象了审批请求与用户配置的持久化。
type Store interface {
	// CreateRequest 插入一条新的审批请求。
	CreateRequest(ctx context.Context, request *Request) error
	// Request 返回指定 ID 的审批请求，不存在时返回 ErrNotFound。
	Request(ctx context.Context, id string) (*Request, error)
	// UpdateRequest 覆盖写回审批请求的可变字段（状态、决策信息）。
	UpdateRequest(ctx context.Context, request *Request) error
	// ListPending 返回用户未过期的 PENDING 请求，按创建时间倒序。
	ListPending(ctx context.Context, userID string, limit int) ([]*Request, error)
	// History 返回用户的全部审批记录，按创建时间倒序。
	History(ctx context.Context, userID string, limit, offset int) ([]*Request, error)

	// SettingsByUser 返回用户的审批配置；未设置过时返回默认配置。
	SettingsByUser(ctx context.Context, userID string) (Settings, error)
	// SaveSettings 保存用户的审批配置。
	SaveSettings(ctx context.Context, userID string, settings Settings) error

	Close() error
}
