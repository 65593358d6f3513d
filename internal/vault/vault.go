// Package vault 在任何链上转账被签名之前做最终的策略校验，
// 模拟 Qubic 上的智能合约金库规则。
package vault

import (
	"context"
	"fmt"

	xerrors "qubic-autopilot/internal/errors"
	"qubic-autopilot/pkg/logger"
)

// CodePolicyViolation 表示请求被金库策略拒绝。
const CodePolicyViolation xerrors.Code = "POLICY_VIOLATION"

func init() {
	xerrors.Register(CodePolicyViolation, xerrors.Attributes{
		Message:   "vault policy violation",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Policy 是单个用户的金库规则集合。
type Policy struct {
	DailySpendLimit      int64    `json:"daily_spend_limit" yaml:"daily_spend_limit"`
	MaxTransactionLimit  int64    `json:"max_transaction_limit" yaml:"max_transaction_limit"`
	WhitelistedAddresses []string `json:"whitelisted_addresses" yaml:"whitelisted_addresses"`
	IsPaused             bool     `json:"is_paused" yaml:"is_paused"`
}

// DefaultPolicy 返回默认的金库规则。
func DefaultPolicy() Policy {
	return Policy{
		DailySpendLimit:     5000,
		MaxTransactionLimit: 10000,
	}
}

// Transfer 是待校验的一笔转账。
type Transfer struct {
	Action      string
	Amount      int64
	Asset       string
	Destination string
}

// SpentTodayFunc 返回钱包当日已支出的总额。
type SpentTodayFunc func(ctx context.Context, walletID string) (int64, error)

// Engine 按固定顺序执行金库校验：暂停 → 日限额 → 白名单 → 单笔上限。
// 第一条失败的规则即为拒绝原因。
type Engine struct {
	spentToday SpentTodayFunc
}

// NewEngine 创建策略引擎。spentToday 为 nil 时日限额按零已支出计算。
func NewEngine(spentToday SpentTodayFunc) *Engine {
	return &Engine{spentToday: spentToday}
}

// Validate 校验一笔转账。通过时返回 nil，违规时返回
// POLICY_VIOLATION 错误并携带拒绝原因。
func (e *Engine) Validate(ctx context.Context, walletID string, policy Policy, transfer Transfer) error {
	if policy.IsPaused {
		return violation(transfer, "Smart Vault is PAUSED (Emergency Shutdown)")
	}

	if policy.DailySpendLimit > 0 {
		var spent int64
		if e.spentToday != nil {
			var err error
			spent, err = e.spentToday(ctx, walletID)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询当日支出失败")
			}
		}
		if spent+transfer.Amount > policy.DailySpendLimit {
			return violation(transfer, "Exceeds daily spending limit")
		}
	}

	if transfer.Destination != "" && len(policy.WhitelistedAddresses) > 0 {
		if !contains(policy.WhitelistedAddresses, transfer.Destination) {
			return violation(transfer, fmt.Sprintf("Destination %s not in whitelist", transfer.Destination))
		}
	}

	if policy.MaxTransactionLimit > 0 && transfer.Amount > policy.MaxTransactionLimit {
		return violation(transfer, fmt.Sprintf("Transaction exceeds max limit of %d", policy.MaxTransactionLimit))
	}

	return nil
}

func violation(transfer Transfer, reason string) error {
	logger.Audit().Warn("金库拒绝转账",
		"action", transfer.Action,
		"amount", transfer.Amount,
		"reason", reason,
	)
	return xerrors.New(CodePolicyViolation, reason,
		xerrors.WithMetadata("action", transfer.Action),
		xerrors.WithMetadata("amount", fmt.Sprintf("%d", transfer.Amount)),
	)
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
