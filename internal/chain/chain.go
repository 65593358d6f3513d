package chain

import (
	"context"

	xerrors "qubic-autopilot/internal/errors"
)

// Transfer 表示链上的一笔原生资产转账。金额使用链的最小整数单位。
type Transfer struct {
	TxID      string `json:"tx_id"`
	SourceID  string `json:"source_id"`
	DestID    string `json:"dest_id"`
	Amount    int64  `json:"amount"`
	Block     uint64 `json:"block"`
	Timestamp int64  `json:"timestamp"`
}

// SendResult 是一次链上转账提交的结果。
type SendResult struct {
	TxID  string `json:"tx_id"`
	Block uint64 `json:"block,omitempty"`
}

// Verification 是对某笔链上交易的核验结果。
type Verification struct {
	Found     bool   `json:"found"`
	Confirmed bool   `json:"confirmed"`
	SourceID  string `json:"source_id,omitempty"`
	DestID    string `json:"dest_id,omitempty"`
	Amount    int64  `json:"amount"`
	Block     uint64 `json:"block,omitempty"`
}

// Client 抽象了托管热钱包需要的链访问能力。
//
// 实现必须对每次调用施加超时；调用失败返回 CHAIN_CALL_FAILURE 错误，
// 由上层决定是否重试。
type Client interface {
	// Identity 返回热钱包在链上的身份（地址）。
	Identity() string
	// Send 从热钱包向 dest 转出 amount。
	Send(ctx context.Context, dest string, amount int64) (SendResult, error)
	// BalanceOf 返回链上身份当前的真实余额。
	BalanceOf(ctx context.Context, identity string) (int64, error)
	// Transfers 返回 [fromBlock, toBlock] 区间内与 identity 相关的转账。
	Transfers(ctx context.Context, identity string, fromBlock, toBlock uint64) ([]Transfer, error)
	// Verify 核验一笔交易是否存在并已确认。
	Verify(ctx context.Context, txID string) (Verification, error)
	// Tip 返回链的最新区块高度。
	Tip(ctx context.Context) (uint64, error)
	Close()
}

// NotFound 判断核验结果是否表示交易不存在。
func NotFound(v Verification) bool {
	return !v.Found
}

// WrapCallError 将底层 RPC 错误统一为链调用失败。
func WrapCallError(err error, message string) error {
	if err == nil {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeChainFailure, err, message)
}
