package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "qubic-autopilot/internal/errors"
)

// MemoryClient 是内存实现的链客户端，用于本地开发与测试。
// 区块高度随每次写入递增，转账立即视为已确认。
type MemoryClient struct {
	mu        sync.Mutex
	identity  string
	tip       uint64
	balances  map[string]int64
	transfers []Transfer
	byTx      map[string]Transfer
	seq       int
}

// NewMemoryClient 创建内存链客户端。
func NewMemoryClient(identity string) *MemoryClient {
	return &MemoryClient{
		identity: identity,
		balances: make(map[string]int64),
		byTx:     make(map[string]Transfer),
	}
}

// Identity 返回热钱包身份。
func (c *MemoryClient) Identity() string {
	return c.identity
}

// Fund 直接为某个身份设置链上余额，仅用于测试准备。
func (c *MemoryClient) Fund(identity string, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[identity] += amount
}

// AddTransfer 记录一笔外部发起的入账转账并推进区块高度。
func (c *MemoryClient) AddTransfer(source, dest string, amount int64) Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record(source, dest, amount)
}

func (c *MemoryClient) record(source, dest string, amount int64) Transfer {
	c.tip++
	c.seq++
	transfer := Transfer{
		TxID:      fmt.Sprintf("memtx-%d", c.seq),
		SourceID:  source,
		DestID:    dest,
		Amount:    amount,
		Block:     c.tip,
		Timestamp: time.Now().Unix(),
	}
	c.balances[source] -= amount
	c.balances[dest] += amount
	c.transfers = append(c.transfers, transfer)
	c.byTx[transfer.TxID] = transfer
	return transfer
}

// Send 从热钱包身份转出。
func (c *MemoryClient) Send(ctx context.Context, dest string, amount int64) (SendResult, error) {
	if amount <= 0 {
		return SendResult{}, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balances[c.identity] < amount {
		return SendResult{}, xerrors.New(xerrors.CodeChainFailure, "热钱包链上余额不足")
	}
	transfer := c.record(c.identity, dest, amount)
	return SendResult{TxID: transfer.TxID, Block: transfer.Block}, nil
}

// BalanceOf 返回身份当前余额。
func (c *MemoryClient) BalanceOf(ctx context.Context, identity string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[identity], nil
}

// Transfers 返回区间内与 identity 相关的转账。
func (c *MemoryClient) Transfers(ctx context.Context, identity string, fromBlock, toBlock uint64) ([]Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []Transfer
	for _, transfer := range c.transfers {
		if transfer.Block < fromBlock || transfer.Block > toBlock {
			continue
		}
		if transfer.SourceID != identity && transfer.DestID != identity {
			continue
		}
		matched = append(matched, transfer)
	}
	return matched, nil
}

// Verify 查询交易并返回核验结果。
func (c *MemoryClient) Verify(ctx context.Context, txID string) (Verification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	transfer, ok := c.byTx[txID]
	if !ok {
		return Verification{}, nil
	}
	return Verification{
		Found:     true,
		Confirmed: true,
		SourceID:  transfer.SourceID,
		DestID:    transfer.DestID,
		Amount:    transfer.Amount,
		Block:     transfer.Block,
	}, nil
}

// Tip 返回最新区块高度。
func (c *MemoryClient) Tip(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip, nil
}

// Close 对内存实现是空操作。
func (c *MemoryClient) Close() {}

var _ Client = (*MemoryClient)(nil)
