// Package approval 实现转账审批闸门：小额自动放行，
// 大额或敏感操作等待人工批准。
package approval

import (
	xerrors "qubic-autopilot/internal/errors"
	"qubic-autopilot/internal/intent"
	"qubic-autopilot/internal/vault"
)

// Status 表示审批请求的状态。
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusApproved     Status = "APPROVED"
	StatusAutoApproved Status = "AUTO_APPROVED"
	StatusRejected     Status = "REJECTED"
	StatusExpired      Status = "EXPIRED"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Settings 是用户级的审批与金库配置。
type Settings struct {
	AutoApproveThreshold           int64        `json:"auto_approve_threshold" yaml:"auto_approve_threshold"`
	RequireApprovalForWithdrawals  bool         `json:"require_approval_for_withdrawals" yaml:"require_approval_for_withdrawals"`
	RequireApprovalForTrades       bool         `json:"require_approval_for_trades" yaml:"require_approval_for_trades"`
	RequireApprovalForDefi         bool         `json:"require_approval_for_defi" yaml:"require_approval_for_defi"`
	NotifyOnAutoApprove            bool         `json:"notify_on_auto_approve" yaml:"notify_on_auto_approve"`
	ApprovalTimeoutHours           int          `json:"approval_timeout_hours" yaml:"approval_timeout_hours"`
	Vault                          vault.Policy `json:"vault" yaml:"vault"`
}

// DefaultSettings 返回与参考实现一致的默认配置。
func DefaultSettings() Settings {
	return Settings{
		AutoApproveThreshold:          100,
		RequireApprovalForWithdrawals: true,
		RequireApprovalForTrades:      false,
		RequireApprovalForDefi:        false,
		NotifyOnAutoApprove:           true,
		ApprovalTimeoutHours:          24,
		Vault:                         vault.DefaultPolicy(),
	}
}

var (
	withdrawalActions = map[string]struct{}{"withdraw": {}, "withdrawal": {}}
	tradeActions      = map[string]struct{}{"swap": {}, "trade": {}}
	defiActions       = map[string]struct{}{"stake": {}, "lend": {}, "liquidity": {}, "farm": {}}
)

// ShouldRequireApproval 判断一笔操作是否需要人工审批。
func ShouldRequireApproval(settings Settings, action string, amount int64) bool {
	if _, ok := withdrawalActions[action]; ok && settings.RequireApprovalForWithdrawals {
		return true
	}
	if _, ok := tradeActions[action]; ok && settings.RequireApprovalForTrades {
		return true
	}
	if _, ok := defiActions[action]; ok && settings.RequireApprovalForDefi {
		return true
	}
	return amount >= settings.AutoApproveThreshold
}

// Request 是一条审批请求，终态记录保留用于审计。
type Request struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	TaskID       string            `json:"task_id,omitempty"`
	Action       string            `json:"action"`
	Amount       int64             `json:"amount"`
	Asset        string            `json:"asset"`
	Destination  string            `json:"destination,omitempty"`
	Description  string            `json:"description"`
	RiskLevel    intent.RiskLevel  `json:"risk_level"`
	Status       Status            `json:"status"`
	DecisionNote string            `json:"decision_note,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	ExpiresAt    int64             `json:"expires_at"`
	DecidedAt    int64             `json:"decided_at,omitempty"`
}

const (
	CodeApprovalNotFound xerrors.Code = "APPROVAL_NOT_FOUND"
	CodeStateConflict    xerrors.Code = "APPROVAL_STATE_CONFLICT"
)

var (
	// ErrNotFound 表示审批请求不存在。
	ErrNotFound = xerrors.New(CodeApprovalNotFound, "approval request not found")
	// ErrStateConflict 表示请求不在可决策状态（非 PENDING 或已过期）。
	ErrStateConflict = xerrors.New(CodeStateConflict, "approval request not pending")
)

func init() {
	xerrors.Register(CodeApprovalNotFound, xerrors.Attributes{
		Message:   "approval request not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStateConflict, xerrors.Attributes{
		Message:   "approval request not pending",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
