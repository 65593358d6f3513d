package wallet

import (
	xerrors "qubic-autopilot/internal/errors"
)

// DefaultAsset 是托管账本的默认资产。
const DefaultAsset = "QUBIC"

// CustodyAgent 表示由智能体热钱包托管的账户类型。
const CustodyAgent = "agent_custody"

// EntryKind 表示账本流水的类型。
type EntryKind string

const (
	KindDeposit        EntryKind = "DEPOSIT"
	KindWithdrawal     EntryKind = "WITHDRAWAL"
	KindAgentExecution EntryKind = "AGENT_EXECUTION"
	KindFee            EntryKind = "FEE"
	KindInternalTrade  EntryKind = "INTERNAL_TRADE"
)

// Account 表示用户的虚拟托管钱包。真实资产由智能体的链上身份持有，
// 用户侧只有数据库中的虚拟余额。
type Account struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	CustodyType     string `json:"custody_type"`
	OnchainIdentity string `json:"onchain_identity"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Balance 表示某个钱包在某种资产上的余额。
// available 与 reserved 均不允许为负，只能通过账本操作修改。
type Balance struct {
	WalletID  string `json:"wallet_id"`
	Asset     string `json:"asset"`
	Available int64  `json:"available"`
	Reserved  int64  `json:"reserved"`
	UpdatedAt int64  `json:"updated_at"`
}

// Total 返回总余额。
func (b Balance) Total() int64 {
	return b.Available + b.Reserved
}

// LedgerEntry 是追加写的账本流水。Amount 带符号：入账为正，出账为负。
// TxID 为链上交易 ID，作为入账去重的幂等键。
type LedgerEntry struct {
	ID             string            `json:"id"`
	WalletID       string            `json:"wallet_id"`
	Kind           EntryKind         `json:"kind"`
	Amount         int64             `json:"amount"`
	Asset          string            `json:"asset"`
	TxID           string            `json:"tx_id,omitempty"`
	SourceWalletID string            `json:"source_wallet_id,omitempty"`
	DestWalletID   string            `json:"dest_wallet_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Description    string            `json:"description,omitempty"`
	CreatedAt      int64             `json:"created_at"`
}

// LedgerQuery 控制账本流水的查询条件。
type LedgerQuery struct {
	Limit  int
	Offset int
	Kind   EntryKind
}

const (
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeDuplicateDeposit    xerrors.Code = "DUPLICATE_DEPOSIT"
	CodeWalletNotFound      xerrors.Code = "WALLET_NOT_FOUND"
)

var (
	// ErrInsufficientBalance 表示可用余额不足以完成扣减或预留。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrInsufficientReserved 表示预留余额不足以释放。
	ErrInsufficientReserved = xerrors.New(CodeInsufficientBalance, "insufficient reserved balance")
	// ErrDuplicateDeposit 表示该链上交易已经入账过。
	ErrDuplicateDeposit = xerrors.New(CodeDuplicateDeposit, "deposit already processed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrWalletNotFound 表示指定的钱包不存在。
	ErrWalletNotFound = xerrors.New(CodeWalletNotFound, "wallet not found")
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "insufficient balance",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDuplicateDeposit, xerrors.Attributes{
		Message:   "deposit already processed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWalletNotFound, xerrors.Attributes{
		Message:   "wallet not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cloned := make(map[string]string, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}
