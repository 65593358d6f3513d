package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qubic-autopilot/internal/intent"
	"qubic-autopilot/pkg/logger"
)

// CreateParams 描述一条待创建的审批请求。
type CreateParams struct {
	UserID      string
	TaskID      string
	Action      string
	Amount      int64
	Asset       string
	Destination string
	Description string
	Metadata    map[string]string
}

// Service 管理审批请求的生命周期。
// 过期没有后台清扫：PENDING 请求只在被读取时惰性转为 EXPIRED。
type Service struct {
	store Store
	now   func() time.Time
}

// NewService 创建审批服务。
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// SettingsFor 返回用户的审批配置。
func (s *Service) SettingsFor(ctx context.Context, userID string) (Settings, error) {
	return s.store.SettingsByUser(ctx, userID)
}

// UpdateSettings 保存用户的审批配置。
func (s *Service) UpdateSettings(ctx context.Context, userID string, settings Settings) error {
	if err := s.store.SaveSettings(ctx, userID, settings); err != nil {
		return err
	}
	logger.Audit().Info("更新审批配置", "user_id", userID)
	return nil
}

// Create 创建一条 PENDING 审批请求，过期时间由用户配置决定。
func (s *Service) Create(ctx context.Context, params CreateParams) (*Request, error) {
	settings, err := s.store.SettingsByUser(ctx, params.UserID)
	if err != nil {
		return nil, err
	}
	timeout := settings.ApprovalTimeoutHours
	if timeout <= 0 {
		timeout = DefaultSettings().ApprovalTimeoutHours
	}
	now := s.now()
	request := s.buildRequest(params, now)
	request.Status = StatusPending
	request.ExpiresAt = now.Add(time.Duration(timeout) * time.Hour).Unix()

	if err := s.store.CreateRequest(ctx, request); err != nil {
		return nil, err
	}
	logger.Audit().Info("创建审批请求",
		"approval_id", request.ID,
		"user_id", request.UserID,
		"action", request.Action,
		"amount", request.Amount,
		"risk_level", string(request.RiskLevel),
	)
	return request, nil
}

// AutoApprove 在阈值之下直接放行，仍落一条终态记录供审计。
func (s *Service) AutoApprove(ctx context.Context, params CreateParams) (*Request, error) {
	now := s.now()
	request := s.buildRequest(params, now)
	request.Status = StatusAutoApproved
	request.ExpiresAt = now.Unix()
	request.DecidedAt = now.Unix()

	if err := s.store.CreateRequest(ctx, request); err != nil {
		return nil, err
	}
	logger.Audit().Info("自动批准",
		"approval_id", request.ID,
		"user_id", request.UserID,
		"action", request.Action,
		"amount", request.Amount,
	)
	return request, nil
}

func (s *Service) buildRequest(params CreateParams, now time.Time) *Request {
	asset := params.Asset
	if asset == "" {
		asset = "QUBIC"
	}
	description := params.Description
	if description == "" {
		description = fmt.Sprintf("%s: %d %s", params.Action, params.Amount, asset)
	}
	return &Request{
		ID:          uuid.NewString(),
		UserID:      params.UserID,
		TaskID:      params.TaskID,
		Action:      params.Action,
		Amount:      params.Amount,
		Asset:       asset,
		Destination: params.Destination,
		Description: description,
		RiskLevel:   intent.Risk(params.Action, params.Amount, params.Amount > 0),
		Metadata:    params.Metadata,
		CreatedAt:   now.Unix(),
	}
}

// Approve 批准一条 PENDING 请求。过期的请求转为 EXPIRED 并返回状态冲突。
func (s *Service) Approve(ctx context.Context, id, note string) (*Request, error) {
	return s.decide(ctx, id, note, StatusApproved)
}

// Reject 拒绝一条 PENDING 请求。
func (s *Service) Reject(ctx context.Context, id, note string) (*Request, error) {
	return s.decide(ctx, id, note, StatusRejected)
}

func (s *Service) decide(ctx context.Context, id, note string, decision Status) (*Request, error) {
	request, err := s.store.Request(ctx, id)
	if err != nil {
		return nil, err
	}
	if request.Status != StatusPending {
		return nil, ErrStateConflict
	}
	if s.expired(request) {
		if err := s.markExpired(ctx, request); err != nil {
			return nil, err
		}
		return nil, ErrStateConflict
	}

	request.Status = decision
	request.DecisionNote = note
	request.DecidedAt = s.now().Unix()
	if err := s.store.UpdateRequest(ctx, request); err != nil {
		return nil, err
	}
	logger.Audit().Info("审批决策",
		"approval_id", request.ID,
		"user_id", request.UserID,
		"decision", string(decision),
		"note", note,
	)
	return request, nil
}

// CheckStatus 返回请求当前状态，读取时惰性处理过期。
func (s *Service) CheckStatus(ctx context.Context, id string) (Status, error) {
	request, err := s.store.Request(ctx, id)
	if err != nil {
		return "", err
	}
	if request.Status == StatusPending && s.expired(request) {
		if err := s.markExpired(ctx, request); err != nil {
			return "", err
		}
		return StatusExpired, nil
	}
	return request.Status, nil
}

// Request 返回审批请求详情，读取时惰性处理过期。
func (s *Service) Request(ctx context.Context, id string) (*Request, error) {
	request, err := s.store.Request(ctx, id)
	if err != nil {
		return nil, err
	}
	if request.Status == StatusPending && s.expired(request) {
		if err := s.markExpired(ctx, request); err != nil {
			return nil, err
		}
		request.Status = StatusExpired
	}
	return request, nil
}

// ListPending 返回用户的待审批请求。
func (s *Service) ListPending(ctx context.Context, userID string, limit int) ([]*Request, error) {
	return s.store.ListPending(ctx, userID, limit)
}

// History 返回用户的审批历史。
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]*Request, error) {
	return s.store.History(ctx, userID, limit, offset)
}

// Close 关闭底层存储。
func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) expired(request *Request) bool {
	return s.now().Unix() > request.ExpiresAt
}

func (s *Service) markExpired(ctx context.Context, request *Request) error {
	request.Status = StatusExpired
	if err := s.store.UpdateRequest(ctx, request); err != nil {
		return err
	}
	logger.L().Info("审批请求已过期", "approval_id", request.ID)
	return nil
}
