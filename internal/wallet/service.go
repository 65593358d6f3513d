package wallet

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"qubic-autopilot/internal/chain"
	xerrors "qubic-autopilot/internal/errors"
	"qubic-autopilot/pkg/logger"
)

// Detail 为账本流水提供可选的补充信息。
type Detail struct {
	Asset          string
	TxID           string
	SourceWalletID string
	DestWalletID   string
	Metadata       map[string]string
	Description    string
}

func (d Detail) assetOr(fallback string) string {
	if strings.TrimSpace(d.Asset) == "" {
		return fallback
	}
	return d.Asset
}

// Service 实现虚拟托管账本的业务操作。真实资产始终停留在智能体的
// 链上热钱包，用户的余额只是数据库内的记账值。
type Service struct {
	store Store
	chain chain.Client
	asset string
}

// ServiceOption 配置钱包服务的可选参数。
type ServiceOption func(*Service)

// WithAsset 指定账本的记账资产符号，默认为 DefaultAsset。
func WithAsset(asset string) ServiceOption {
	return func(s *Service) {
		if strings.TrimSpace(asset) != "" {
			s.asset = asset
		}
	}
}

// NewService 创建钱包服务。chainClient 可以为 nil，此时链上相关
// 操作（提现、入账核验）不可用。
func NewService(store Store, chainClient chain.Client, opts ...ServiceOption) *Service {
	s := &Service{store: store, chain: chainClient, asset: DefaultAsset}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Asset 返回账本的记账资产符号。
func (s *Service) Asset() string {
	return s.asset
}

// GetOrCreateAccount 返回用户的托管钱包，不存在时创建。
func (s *Service) GetOrCreateAccount(ctx context.Context, userID string) (*Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "userID 不能为空")
	}
	if account, err := s.store.AccountByUser(ctx, userID); err == nil {
		return account, nil
	} else if xerrors.CodeOf(err) != CodeWalletNotFound {
		return nil, err
	}

	account := &Account{
		ID:          uuid.NewString(),
		UserID:      userID,
		CustodyType: CustodyAgent,
		CreatedAt:   time.Now().Unix(),
	}
	if s.chain != nil {
		account.OnchainIdentity = s.chain.Identity()
	}
	if err := s.store.CreateAccount(ctx, account, s.asset); err != nil {
		return nil, err
	}
	logger.Audit().Info("创建托管钱包",
		"wallet_id", account.ID,
		"user_id", userID,
	)
	return account, nil
}

// GetBalance 返回默认资产的余额。
func (s *Service) GetBalance(ctx context.Context, walletID string) (Balance, error) {
	return s.store.Balance(ctx, walletID, s.asset)
}

// GetTotalBalance 返回可用余额与预留余额之和。
func (s *Service) GetTotalBalance(ctx context.Context, walletID string) (int64, error) {
	balance, err := s.store.Balance(ctx, walletID, s.asset)
	if err != nil {
		return 0, err
	}
	return balance.Total(), nil
}

// Credit 增加可用余额并追加流水。amount 必须为正。
func (s *Service) Credit(ctx context.Context, walletID string, amount int64, kind EntryKind, detail Detail) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入账金额必须为正")
	}
	entry := s.newEntry(walletID, amount, kind, detail)
	if err := s.store.AppendCredit(ctx, entry); err != nil {
		return nil, err
	}
	logger.Audit().Info("余额入账",
		"wallet_id", walletID,
		"kind", string(kind),
		"amount", amount,
		"tx_id", entry.TxID,
	)
	return entry, nil
}

// Debit 扣减可用余额并追加流水。amount 必须为正，记账时取负。
func (s *Service) Debit(ctx context.Context, walletID string, amount int64, kind EntryKind, detail Detail) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "出账金额必须为正")
	}
	entry := s.newEntry(walletID, -amount, kind, detail)
	if err := s.store.AppendDebit(ctx, entry); err != nil {
		return nil, err
	}
	logger.Audit().Info("余额出账",
		"wallet_id", walletID,
		"kind", string(kind),
		"amount", amount,
		"tx_id", entry.TxID,
	)
	return entry, nil
}

// Reserve 为待执行的支出预留余额。
func (s *Service) Reserve(ctx context.Context, walletID string, amount int64) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "预留金额必须为正")
	}
	if err := s.store.Reserve(ctx, walletID, s.asset, amount); err != nil {
		return err
	}
	logger.Audit().Info("预留余额", "wallet_id", walletID, "amount", amount)
	return nil
}

// Release 释放此前预留的余额。toBalance 为 true 表示执行取消，
// 金额退回可用余额；false 表示预留已被实际支出。
func (s *Service) Release(ctx context.Context, walletID string, amount int64, toBalance bool) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "释放金额必须为正")
	}
	if err := s.store.Release(ctx, walletID, s.asset, amount, toBalance); err != nil {
		return err
	}
	logger.Audit().Info("释放预留余额",
		"wallet_id", walletID,
		"amount", amount,
		"refunded", toBalance,
	)
	return nil
}

// DetectDeposit 以 (wallet, txID) 为幂等键记录一笔链上入账。
// 返回值表示是否产生了新的入账：重复提交同一交易返回 false 且不报错。
func (s *Service) DetectDeposit(ctx context.Context, walletID, txID string, amount int64, detail Detail) (bool, error) {
	if strings.TrimSpace(txID) == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "txID 不能为空")
	}
	detail.TxID = txID
	if detail.Description == "" {
		detail.Description = "on-chain deposit"
	}
	_, err := s.Credit(ctx, walletID, amount, KindDeposit, detail)
	if err != nil {
		if xerrors.CodeOf(err) == CodeDuplicateDeposit {
			logger.L().Debug("重复的入账交易，已跳过", "wallet_id", walletID, "tx_id", txID)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// LedgerHistory 返回钱包的账本流水，按时间倒序。
func (s *Service) LedgerHistory(ctx context.Context, walletID string, query LedgerQuery) ([]*LedgerEntry, error) {
	return s.store.Entries(ctx, walletID, query)
}

// SpentToday 返回自 UTC 零点以来的出账总额，
// 统计口径为 WITHDRAWAL 与 AGENT_EXECUTION 两类流水。
func (s *Service) SpentToday(ctx context.Context, walletID string) (int64, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.store.OutboundSince(ctx, walletID, s.asset, midnight.Unix(),
		[]EntryKind{KindWithdrawal, KindAgentExecution})
}

// WithdrawToChain 将虚拟余额提取到链上地址：
// 先预留，再广播链上转账；成功时预留转为实际支出并记 WITHDRAWAL 流水，
// 失败时预留退回可用余额。
func (s *Service) WithdrawToChain(ctx context.Context, walletID, dest string, amount int64) (*LedgerEntry, error) {
	if s.chain == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端，无法提现")
	}
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提现金额必须为正")
	}
	if err := s.store.Reserve(ctx, walletID, s.asset, amount); err != nil {
		return nil, err
	}

	result, err := s.chain.Send(ctx, dest, amount)
	if err != nil {
		if releaseErr := s.store.Release(ctx, walletID, s.asset, amount, true); releaseErr != nil {
			logger.L().Error("提现失败后退回预留余额失败",
				"wallet_id", walletID,
				"amount", amount,
				"error", releaseErr,
			)
		}
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "链上转账失败")
	}

	if err := s.store.Release(ctx, walletID, s.asset, amount, false); err != nil {
		// 链上已转出但预留释放失败，必须告警人工对账。
		logger.L().Error("链上转账已广播但预留释放失败",
			"wallet_id", walletID,
			"tx_id", result.TxID,
			"error", err,
		)
		return nil, err
	}

	// 余额已在 Release(spend) 时扣减，这里只补记流水。
	entry := s.newEntry(walletID, -amount, KindWithdrawal, Detail{
		TxID:        result.TxID,
		Description: "withdraw to " + dest,
		Metadata:    map[string]string{"dest": dest},
	})
	if err := s.store.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	logger.Audit().Info("提现完成",
		"wallet_id", walletID,
		"dest", dest,
		"amount", amount,
		"tx_id", result.TxID,
	)
	return entry, nil
}

// RecordSpend 为已经通过 Release(spend) 结清的支出补记一条负向流水。
// 只写账本，不修改余额。
func (s *Service) RecordSpend(ctx context.Context, walletID string, amount int64, kind EntryKind, detail Detail) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "支出金额必须为正")
	}
	entry := s.newEntry(walletID, -amount, kind, detail)
	if err := s.store.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	logger.Audit().Info("记录支出流水",
		"wallet_id", walletID,
		"kind", string(kind),
		"amount", amount,
		"tx_id", entry.TxID,
	)
	return entry, nil
}

// VerifyAndProcessDeposit 核验用户申报的链上充值并入账。
// 校验交易存在且已确认、收款方为托管身份、金额与申报一致，
// 然后按 txID 幂等入账。
func (s *Service) VerifyAndProcessDeposit(ctx context.Context, userID, txID string, claimedAmount int64) (bool, error) {
	if s.chain == nil {
		return false, xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端，无法核验充值")
	}
	account, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return false, err
	}
	// 已入账的交易直接跳过，避免重复的链上核验。
	if existing, err := s.store.EntryByTx(ctx, account.ID, txID); err != nil {
		return false, err
	} else if existing != nil {
		logger.L().Debug("充值交易已入账，跳过核验", "wallet_id", account.ID, "tx_id", txID)
		return false, nil
	}
	verification, err := s.chain.Verify(ctx, txID)
	if err != nil {
		return false, err
	}
	if chain.NotFound(verification) {
		return false, xerrors.New(xerrors.CodeNotFound, "链上未找到该交易",
			xerrors.WithMetadata("tx_id", txID))
	}
	if !verification.Confirmed {
		return false, xerrors.New(xerrors.CodeChainFailure, "交易尚未确认",
			xerrors.WithMetadata("tx_id", txID), xerrors.WithRetryable(true))
	}
	if !strings.EqualFold(verification.DestID, s.chain.Identity()) {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "收款方不是托管身份",
			xerrors.WithMetadata("tx_id", txID))
	}
	if claimedAmount > 0 && verification.Amount != claimedAmount {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "申报金额与链上金额不一致",
			xerrors.WithMetadata("tx_id", txID))
	}

	return s.DetectDeposit(ctx, account.ID, txID, verification.Amount, Detail{
		Metadata:    map[string]string{"source": verification.SourceID},
		Description: "verified deposit",
	})
}

// Close 关闭底层存储。
func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) newEntry(walletID string, amount int64, kind EntryKind, detail Detail) *LedgerEntry {
	return &LedgerEntry{
		ID:             uuid.NewString(),
		WalletID:       walletID,
		Kind:           kind,
		Amount:         amount,
		Asset:          detail.assetOr(s.asset),
		TxID:           detail.TxID,
		SourceWalletID: detail.SourceWalletID,
		DestWalletID:   detail.DestWalletID,
		Metadata:       cloneStringMap(detail.Metadata),
		Description:    detail.Description,
		CreatedAt:      time.Now().Unix(),
	}
}
