package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "qubic-autopilot/internal/errors"
)

type balanceKey struct {
	walletID string
	asset    string
}

// MemoryStore 以内存方式保存钱包状态，主要用于测试与本地开发。
// 互斥锁保证每次余额变更与流水追加表现为一个原子操作。
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	byUser   map[string]string
	balances map[balanceKey]*Balance
	entries  []*LedgerEntry
	byTx     map[balanceKey]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byUser:   make(map[string]string),
		balances: make(map[balanceKey]*Balance),
		byTx:     make(map[balanceKey]string),
	}
}

// CreateAccount 实现 Store 接口。
func (m *MemoryStore) CreateAccount(_ context.Context, account *Account, asset string) error {
	if account == nil || account.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "account 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existingID, ok := m.byUser[account.UserID]; ok {
		*account = *m.accounts[existingID]
		return nil
	}
	now := time.Now().Unix()
	if account.CreatedAt == 0 {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	clone := *account
	m.accounts[account.ID] = &clone
	m.byUser[account.UserID] = account.ID
	if asset == "" {
		asset = DefaultAsset
	}
	m.balances[balanceKey{account.ID, asset}] = &Balance{
		WalletID:  account.ID,
		Asset:     asset,
		UpdatedAt: now,
	}
	return nil
}

// AccountByUser 返回用户的钱包账户。
func (m *MemoryStore) AccountByUser(_ context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	clone := *m.accounts[id]
	return &clone, nil
}

// Account 返回指定 ID 的钱包账户。
func (m *MemoryStore) Account(_ context.Context, walletID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[walletID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	clone := *account
	return &clone, nil
}

// Balance 返回余额，不存在时返回零值。
func (m *MemoryStore) Balance(_ context.Context, walletID, asset string) (Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if balance, ok := m.balances[balanceKey{walletID, asset}]; ok {
		return *balance, nil
	}
	return Balance{WalletID: walletID, Asset: asset}, nil
}

func (m *MemoryStore) balanceRow(walletID, asset string) *Balance {
	key := balanceKey{walletID, asset}
	if balance, ok := m.balances[key]; ok {
		return balance
	}
	balance := &Balance{WalletID: walletID, Asset: asset}
	m.balances[key] = balance
	return balance
}

// AppendCredit 增加可用余额并追加流水。
func (m *MemoryStore) AppendCredit(_ context.Context, entry *LedgerEntry) error {
	if entry == nil || entry.Amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "credit 金额必须为正")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.TxID != "" {
		if _, ok := m.byTx[balanceKey{entry.WalletID, entry.TxID}]; ok {
			return ErrDuplicateDeposit
		}
	}
	balance := m.balanceRow(entry.WalletID, entry.Asset)
	balance.Available += entry.Amount
	balance.UpdatedAt = time.Now().Unix()
	m.appendEntry(entry)
	return nil
}

// AppendDebit 减少可用余额并追加流水。
func (m *MemoryStore) AppendDebit(_ context.Context, entry *LedgerEntry) error {
	if entry == nil || entry.Amount >= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "debit 金额必须为负")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance := m.balanceRow(entry.WalletID, entry.Asset)
	if balance.Available < -entry.Amount {
		return ErrInsufficientBalance
	}
	balance.Available += entry.Amount
	balance.UpdatedAt = time.Now().Unix()
	m.appendEntry(entry)
	return nil
}

// Reserve 将金额从可用余额移入预留余额。
func (m *MemoryStore) Reserve(_ context.Context, walletID, asset string, amount int64) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "reserve 金额必须为正")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance := m.balanceRow(walletID, asset)
	if balance.Available < amount {
		return ErrInsufficientBalance
	}
	balance.Available -= amount
	balance.Reserved += amount
	balance.UpdatedAt = time.Now().Unix()
	return nil
}

// Release 将金额移出预留余额。
func (m *MemoryStore) Release(_ context.Context, walletID, asset string, amount int64, toBalance bool) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "release 金额必须为正")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance := m.balanceRow(walletID, asset)
	if balance.Reserved < amount {
		return ErrInsufficientReserved
	}
	balance.Reserved -= amount
	if toBalance {
		balance.Available += amount
	}
	balance.UpdatedAt = time.Now().Unix()
	return nil
}

// AppendEntry 只追加流水，不修改余额。
func (m *MemoryStore) AppendEntry(_ context.Context, entry *LedgerEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.TxID != "" {
		if _, ok := m.byTx[balanceKey{entry.WalletID, entry.TxID}]; ok {
			return ErrDuplicateDeposit
		}
	}
	m.appendEntry(entry)
	return nil
}

// EntryByTx 返回指定交易的流水。
func (m *MemoryStore) EntryByTx(_ context.Context, walletID, txID string) (*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entryID, ok := m.byTx[balanceKey{walletID, txID}]
	if !ok {
		return nil, nil
	}
	for _, entry := range m.entries {
		if entry.ID == entryID {
			return cloneEntry(entry), nil
		}
	}
	return nil, nil
}

// Entries 返回账本流水，按时间倒序。
func (m *MemoryStore) Entries(_ context.Context, walletID string, query LedgerQuery) ([]*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if query.Limit <= 0 {
		query.Limit = 50
	}
	matched := make([]*LedgerEntry, 0, query.Limit)
	for _, entry := range m.entries {
		if entry.WalletID != walletID {
			continue
		}
		if query.Kind != "" && entry.Kind != query.Kind {
			continue
		}
		matched = append(matched, cloneEntry(entry))
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt > matched[j].CreatedAt
	})
	if query.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[query.Offset:]
	if len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}
	return matched, nil
}

// OutboundSince 统计出账总额。
func (m *MemoryStore) OutboundSince(_ context.Context, walletID, asset string, since int64, kinds []EntryKind) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kindSet := make(map[EntryKind]struct{}, len(kinds))
	for _, kind := range kinds {
		kindSet[kind] = struct{}{}
	}
	var total int64
	for _, entry := range m.entries {
		if entry.WalletID != walletID || entry.Asset != asset {
			continue
		}
		if entry.CreatedAt < since || entry.Amount >= 0 {
			continue
		}
		if len(kindSet) > 0 {
			if _, ok := kindSet[entry.Kind]; !ok {
				continue
			}
		}
		total += -entry.Amount
	}
	return total, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) appendEntry(entry *LedgerEntry) {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	clone := cloneEntry(entry)
	m.entries = append(m.entries, clone)
	if entry.TxID != "" {
		m.byTx[balanceKey{entry.WalletID, entry.TxID}] = entry.ID
	}
}

func cloneEntry(entry *LedgerEntry) *LedgerEntry {
	clone := *entry
	clone.Metadata = cloneStringMap(entry.Metadata)
	return &clone
}

var _ Store = (*MemoryStore)(nil)
