// Package task 实现智能体任务的模型、执行状态机与排队投递。
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "qubic-autopilot/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusRunning         Status = "RUNNING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
)

// Terminal 判断任务状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepKind 是封闭的步骤类型枚举。规划器产出的未知类型
// 在 NormalizeSteps 边界统一归入 KindCustom。
type StepKind string

const (
	KindAIPlan        StepKind = "AI_PLAN"
	KindOracleRead    StepKind = "ORACLE_READ"
	KindChainTx       StepKind = "CHAIN_TX"
	KindHTTPCall      StepKind = "HTTP_CALL"
	KindLogOnly       StepKind = "LOG_ONLY"
	KindToolExecution StepKind = "TOOL_EXECUTION"
	KindCustom        StepKind = "CUSTOM"
)

var knownKinds = map[StepKind]struct{}{
	KindAIPlan:        {},
	KindOracleRead:    {},
	KindChainTx:       {},
	KindHTTPCall:      {},
	KindLogOnly:       {},
	KindToolExecution: {},
	KindCustom:        {},
}

// SideEffecting 判断该类步骤在 dry-run 模式下是否应被跳过。
func (k StepKind) SideEffecting() bool {
	switch k {
	case KindChainTx, KindHTTPCall, KindToolExecution:
		return true
	default:
		return false
	}
}

// StepStatus 表示单个步骤的状态。
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// Step 是任务中的一个执行步骤。Params 保留规划器给出的自由结构，
// 引擎依赖的字段由 transferParams 等视图解析一次后使用。
type Step struct {
	ID          string         `json:"id"`
	Kind        StepKind       `json:"kind"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
	Status      StepStatus     `json:"status"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   int64          `json:"started_at,omitempty"`
	FinishedAt  int64          `json:"finished_at,omitempty"`
}

// Task 描述一次按目标规划出的智能体任务。
type Task struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	Goal      string   `json:"goal"`
	DryRun    bool     `json:"dry_run"`
	Status    Status   `json:"status"`
	Steps     []*Step  `json:"steps"`
	Logs      []string `json:"logs"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

// AppendLog 追加一条带时间戳的审计日志。
func (t *Task) AppendLog(message string) {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	t.Logs = append(t.Logs, fmt.Sprintf("[%s] %s", timestamp, message))
}

// PlannedStep 是规划器返回的原始步骤描述，未经校验。
type PlannedStep struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
}

// NormalizeSteps 把规划器输出转换为封闭枚举的步骤列表。
// 规划器不可信：无法识别的类型归入 CUSTOM，而不是直接拒绝。
func NormalizeSteps(planned []PlannedStep) []*Step {
	steps := make([]*Step, 0, len(planned))
	for _, item := range planned {
		kind := StepKind(item.Type)
		if _, ok := knownKinds[kind]; !ok {
			kind = KindCustom
		}
		params := item.Params
		if params == nil {
			params = map[string]any{}
		}
		steps = append(steps, &Step{
			ID:          uuid.NewString(),
			Kind:        kind,
			Description: item.Description,
			Params:      params,
			Status:      StepPending,
		})
	}
	return steps
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	cloned := make(map[string]any, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}
