package task

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"qubic-autopilot/internal/alerting"
	"qubic-autopilot/internal/approval"
	xerrors "qubic-autopilot/internal/errors"
	"qubic-autopilot/internal/intent"
	"qubic-autopilot/pkg/logger"
)

// SubmitParams 是目标提交的入参。
type SubmitParams struct {
	UserID      string
	Goal        string
	DryRun      bool
	RiskProfile string
}

// Service 负责任务的受理与下发：解析目标、生成步骤、
// 过审批闸门，放行后投递到执行队列。
type Service struct {
	store     Store
	producer  Producer
	planner   Planner
	approvals *approval.Service
	alerts    alerting.Dispatcher
}

// ServiceOption 定义任务服务的可选配置。
type ServiceOption func(*Service)

// WithServiceAlerts 指定事件通知分发器。
func WithServiceAlerts(alerts alerting.Dispatcher) ServiceOption {
	return func(s *Service) {
		if alerts != nil {
			s.alerts = alerts
		}
	}
}

// NewService 创建任务服务。
func NewService(store Store, producer Producer, planner Planner, approvals *approval.Service, opts ...ServiceOption) *Service {
	if planner == nil {
		planner = HeuristicPlanner{}
	}
	s := &Service{
		store:     store,
		producer:  producer,
		planner:   planner,
		approvals: approvals,
		alerts:    alerting.LogDispatcher{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 受理一个自然语言目标。返回的任务要么已投递执行
// （PENDING），要么停在审批闸门前（PENDING_APPROVAL）；
// 后者同时返回对应的审批请求。dry-run 任务不过闸门。
func (s *Service) Submit(ctx context.Context, params SubmitParams) (*Task, *approval.Request, error) {
	goal := strings.TrimSpace(params.Goal)
	if goal == "" {
		return nil, nil, xerrors.New(CodeTaskValidation, "goal cannot be empty")
	}
	if params.UserID == "" {
		return nil, nil, xerrors.New(CodeTaskValidation, "user id cannot be empty")
	}
	riskProfile := params.RiskProfile
	if riskProfile == "" {
		riskProfile = "balanced"
	}

	planned, err := s.planner.Plan(ctx, goal, riskProfile)
	if err != nil {
		return nil, nil, xerrors.Wrap(CodeTaskValidation, err, "规划任务步骤失败")
	}
	now := time.Now().Unix()
	task := &Task{
		ID:        uuid.NewString(),
		UserID:    params.UserID,
		Goal:      goal,
		DryRun:    params.DryRun,
		Status:    StatusPending,
		Steps:     NormalizeSteps(planned),
		CreatedAt: now,
		UpdatedAt: now,
	}
	task.AppendLog("Task created from goal.")

	details := intent.Extract(goal)

	// dry-run 不会产生任何副作用，跳过审批闸门。
	if !params.DryRun && details.HasAmount {
		settings, err := s.approvals.SettingsFor(ctx, params.UserID)
		if err != nil {
			return nil, nil, err
		}
		createParams := approval.CreateParams{
			UserID:      params.UserID,
			TaskID:      task.ID,
			Action:      details.Action,
			Amount:      details.Amount,
			Asset:       details.Asset,
			Destination: details.Destination,
			Metadata:    map[string]string{"goal": goal},
		}
		if approval.ShouldRequireApproval(settings, details.Action, details.Amount) {
			task.Status = StatusPendingApproval
			task.AppendLog("Task requires approval before execution.")
			if err := s.store.Create(ctx, task); err != nil {
				return nil, nil, err
			}
			request, err := s.approvals.Create(ctx, createParams)
			if err != nil {
				return nil, nil, err
			}
			logger.Audit().Info("任务等待审批",
				"task_id", task.ID,
				"user_id", task.UserID,
				"approval_id", request.ID,
			)
			_ = s.alerts.Notify(ctx, alerting.Event{
				Kind:       alerting.KindApprovalCreated,
				Message:    request.Description,
				UserID:     task.UserID,
				TaskID:     task.ID,
				ApprovalID: request.ID,
				Amount:     request.Amount,
				OccurredAt: time.Now(),
			})
			return task, request, nil
		}

		request, err := s.approvals.AutoApprove(ctx, createParams)
		if err != nil {
			return nil, nil, err
		}
		task.AppendLog("Transaction auto-approved below threshold.")
		if settings.NotifyOnAutoApprove {
			_ = s.alerts.Notify(ctx, alerting.Event{
				Kind:       alerting.KindAutoApproved,
				Message:    request.Description,
				UserID:     task.UserID,
				TaskID:     task.ID,
				ApprovalID: request.ID,
				Amount:     request.Amount,
				OccurredAt: time.Now(),
			})
		}
		if err := s.createAndPublish(ctx, task); err != nil {
			return nil, nil, err
		}
		return task, request, nil
	}

	if err := s.createAndPublish(ctx, task); err != nil {
		return nil, nil, err
	}
	return task, nil, nil
}

func (s *Service) createAndPublish(ctx context.Context, task *Task) error {
	if err := s.store.Create(ctx, task); err != nil {
		return err
	}
	if err := s.producer.Publish(ctx, task.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, "投递任务到队列失败")
	}
	logger.Audit().Info("任务已投递",
		"task_id", task.ID,
		"user_id", task.UserID,
		"dry_run", task.DryRun,
	)
	return nil
}

// ResumeApproved 在审批通过后恢复任务：只接受 APPROVED 状态的
// 审批请求，把任务从 PENDING_APPROVAL 推进到 PENDING 并投递执行。
func (s *Service) ResumeApproved(ctx context.Context, approvalID string) (*Task, error) {
	request, err := s.approvals.Request(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if request.Status != approval.StatusApproved {
		return nil, xerrors.New(approval.CodeStateConflict,
			"approval is not in APPROVED state",
			xerrors.WithMetadata("status", string(request.Status)))
	}
	if request.TaskID == "" {
		return nil, xerrors.New(CodeTaskNotFound, "approval has no associated task")
	}

	if err := s.store.Transition(ctx, request.TaskID, StatusPendingApproval, StatusPending); err != nil {
		return nil, err
	}
	task, err := s.store.Get(ctx, request.TaskID)
	if err != nil {
		return nil, err
	}
	task.AppendLog("Approval granted, resuming execution.")
	if err := s.store.Update(ctx, task); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, task.ID); err != nil {
		return nil, xerrors.Wrap(CodeTaskPublish, err, "投递任务到队列失败")
	}
	logger.Audit().Info("审批通过后恢复任务",
		"task_id", task.ID,
		"approval_id", approvalID,
	)
	return task, nil
}

// Get 查询单个任务。
func (s *Service) Get(ctx context.Context, taskID string) (*Task, error) {
	return s.store.Get(ctx, taskID)
}

// List 按用户查询任务，按创建时间倒序。
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]*Task, error) {
	return s.store.ListByUser(ctx, userID, limit, offset)
}

// Close 释放任务服务持有的资源。
func (s *Service) Close() error {
	if s.producer != nil {
		_ = s.producer.Close()
	}
	return s.store.Close()
}
