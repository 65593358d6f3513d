package wallet

import "context"

// Store 抽象了钱包余额与账本的持久化接口。
//
// 所有变更操作必须保证余额行更新与账本流水写入的原子性：
// 任一半失败时不得留下部分状态。余额行上的并发修改必须通过
// 行级锁或带守卫条件的更新避免丢失写。
type Store interface {
	// CreateAccount 插入新的钱包账户并初始化指定资产的零余额。
	// 同一用户重复创建时返回已存在的账户。
	CreateAccount(ctx context.Context, account *Account, asset string) error
	// AccountByUser 返回用户的钱包账户，不存在时返回 ErrWalletNotFound。
	AccountByUser(ctx context.Context, userID string) (*Account, error)
	// Account 返回指定 ID 的钱包账户。
	Account(ctx context.Context, walletID string) (*Account, error)

	// Balance 返回钱包在指定资产上的余额；不存在余额行时返回零值余额。
	Balance(ctx context.Context, walletID, asset string) (Balance, error)

	// AppendCredit 增加可用余额并追加账本流水。entry.Amount 必须为正。
	// 当 entry.TxID 非空且 (wallet, tx_id) 已存在流水时返回 ErrDuplicateDeposit。
	AppendCredit(ctx context.Context, entry *LedgerEntry) error
	// AppendDebit 减少可用余额并追加账本流水。entry.Amount 必须为负。
	// 可用余额不足时返回 ErrInsufficientBalance。
	AppendDebit(ctx context.Context, entry *LedgerEntry) error
	// Reserve 将 amount 从可用余额移入预留余额。
	Reserve(ctx context.Context, walletID, asset string, amount int64) error
	// Release 将 amount 移出预留余额；toBalance 为 true 时退回可用余额，
	// 否则该笔预留被最终支出。预留不足时返回 ErrInsufficientReserved。
	Release(ctx context.Context, walletID, asset string, amount int64, toBalance bool) error

	// AppendEntry 只追加账本流水，不修改余额。用于余额已经通过
	// Reserve/Release 结清的支出补记。(wallet, tx_id) 冲突时返回
	// ErrDuplicateDeposit。
	AppendEntry(ctx context.Context, entry *LedgerEntry) error

	// EntryByTx 返回钱包下指定链上交易的流水，不存在时返回 nil。
	EntryByTx(ctx context.Context, walletID, txID string) (*LedgerEntry, error)
	// Entries 返回钱包的账本流水，按时间倒序。
	Entries(ctx context.Context, walletID string, query LedgerQuery) ([]*LedgerEntry, error)
	// OutboundSince 返回 since（unix 秒）之后指定类型流水的出账总额（取绝对值求和）。
	OutboundSince(ctx context.Context, walletID, asset string, since int64, kinds []EntryKind) (int64, error)

	Close() error
}
