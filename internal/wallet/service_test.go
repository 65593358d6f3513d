package wallet

import (
	"context"
	"testing"

	"qubic-autopilot/internal/chain"
	xerrors "qubic-autopilot/internal/errors"
)

func newTestService(t *testing.T) (*Service, *chain.MemoryClient) {
	t.Helper()
	chainClient := chain.NewMemoryClient("0xCUSTODY")
	return NewService(NewMemoryStore(), chainClient), chainClient
}

func mustAccount(t *testing.T, svc *Service, userID string) *Account {
	t.Helper()
	account, err := svc.GetOrCreateAccount(context.Background(), userID)
	if err != nil {
		t.Fatalf("get or create account: %v", err)
	}
	return account
}

func TestGetOrCreateAccountIdempotent(t *testing.T) {
	svc, _ := newTestService(t)

	first := mustAccount(t, svc, "alice")
	second := mustAccount(t, svc, "alice")

	if first.ID != second.ID {
		t.Fatalf("expected same wallet for same user, got %s and %s", first.ID, second.ID)
	}
	if first.CustodyType != CustodyAgent {
		t.Fatalf("unexpected custody type: %s", first.CustodyType)
	}
	if first.OnchainIdentity != "0xCUSTODY" {
		t.Fatalf("unexpected onchain identity: %s", first.OnchainIdentity)
	}
}

func TestCreditAndDebit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, "alice")

	if _, err := svc.Credit(ctx, account.ID, 1000, KindDeposit, Detail{TxID: "tx-1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := svc.Debit(ctx, account.ID, 400, KindAgentExecution, Detail{}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	balance, err := svc.GetBalance(ctx, account.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Available != 600 {
		t.Fatalf("expected available 600, got %d", balance.Available)
	}

	_, err = svc.Debit(ctx, account.ID, 601, KindAgentExecution, Detail{})
	if xerrors.CodeOf(err) != CodeInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	// 失败的扣减不得留下流水。
	entries, err := svc.LedgerHistory(ctx, account.ID, LedgerQuery{})
	if err != nil {
		t.Fatalf("ledger history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
}

func TestReserveReleaseSymmetry(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, "alice")

	if _, err := svc.Credit(ctx, account.ID, 500, KindDeposit, Detail{TxID: "tx-1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := svc.Reserve(ctx, account.ID, 200); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	balance, _ := svc.GetBalance(ctx, account.ID)
	if balance.Available != 300 || balance.Reserved != 200 {
		t.Fatalf("unexpected balance after reserve: %+v", balance)
	}
	if total, _ := svc.GetTotalBalance(ctx, account.ID); total != 500 {
		t.Fatalf("reservation changed total balance: %d", total)
	}

	// 退回：可用余额恢复。
	if err := svc.Release(ctx, account.ID, 200, true); err != nil {
		t.Fatalf("release refund: %v", err)
	}
	balance, _ = svc.GetBalance(ctx, account.ID)
	if balance.Available != 500 || balance.Reserved != 0 {
		t.Fatalf("unexpected balance after refund: %+v", balance)
	}

	// 支出：总余额减少。
	if err := svc.Reserve(ctx, account.ID, 150); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Release(ctx, account.ID, 150, false); err != nil {
		t.Fatalf("release spend: %v", err)
	}
	if total, _ := svc.GetTotalBalance(ctx, account.ID); total != 350 {
		t.Fatalf("expected total 350 after spend, got %d", total)
	}

	if err := svc.Release(ctx, account.ID, 1, false); err == nil {
		t.Fatal("expected release without reservation to fail")
	}

	if err := svc.Reserve(ctx, account.ID, 351); xerrors.CodeOf(err) != CodeInsufficientBalance {
		t.Fatalf("expected insufficient balance on over-reserve, got %v", err)
	}
}

func TestDetectDepositIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, "alice")

	credited, err := svc.DetectDeposit(ctx, account.ID, "tx-abc", 1000, Detail{})
	if err != nil || !credited {
		t.Fatalf("first detect: credited=%v err=%v", credited, err)
	}
	credited, err = svc.DetectDeposit(ctx, account.ID, "tx-abc", 1000, Detail{})
	if err != nil {
		t.Fatalf("second detect: %v", err)
	}
	if credited {
		t.Fatal("duplicate deposit credited twice")
	}

	balance, _ := svc.GetBalance(ctx, account.ID)
	if balance.Available != 1000 {
		t.Fatalf("expected available 1000, got %d", balance.Available)
	}
}

func TestWithdrawToChain(t *testing.T) {
	svc, chainClient := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, "alice")

	if _, err := svc.Credit(ctx, account.ID, 1000, KindDeposit, Detail{TxID: "tx-1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	chainClient.Fund("0xCUSTODY", 1000)

	entry, err := svc.WithdrawToChain(ctx, account.ID, "0xDEST", 600)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if entry.Kind != KindWithdrawal || entry.Amount != -600 {
		t.Fatalf("unexpected withdrawal entry: %+v", entry)
	}
	if entry.TxID == "" {
		t.Fatal("withdrawal entry missing tx id")
	}

	balance, _ := svc.GetBalance(ctx, account.ID)
	if balance.Available != 400 || balance.Reserved != 0 {
		t.Fatalf("unexpected balance after withdraw: %+v", balance)
	}
	if onchain, _ := chainClient.BalanceOf(ctx, "0xDEST"); onchain != 600 {
		t.Fatalf("expected 600 on chain, got %d", onchain)
	}
}

func TestWithdrawToChainRefundsOnFailure(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, "alice")

	if _, err := svc.Credit(ctx, account.ID, 1000, KindDeposit, Detail{TxID: "tx-1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	// 热钱包链上余额不足，广播失败。
	if _, err := svc.WithdrawToChain(ctx, account.ID, "0xDEST", 600); err == nil {
		t.Fatal("expected withdraw to fail")
	}

	balance, _ := svc.GetBalance(ctx, account.ID)
	if balance.Available != 1000 || balance.Reserved != 0 {
		t.Fatalf("reservation not refunded after failure: %+v", balance)
	}
	entries, _ := svc.LedgerHistory(ctx, account.ID, LedgerQuery{Kind: KindWithdrawal})
	if len(entries) != 0 {
		t.Fatalf("failed withdraw left ledger entries: %d", len(entries))
	}
}

func TestVerifyAndProcessDeposit(t *testing.T) {
	svc, chainClient := newTestService(t)
	ctx := context.Background()

	chainClient.Fund("0xALICE", 5000)
	inbound := chainClient.AddTransfer("0xALICE", "0xCUSTODY", 1500)
	stray := chainClient.AddTransfer("0xALICE", "0xSOMEONE", 700)

	credited, err := svc.VerifyAndProcessDeposit(ctx, "alice", inbound.TxID, 1500)
	if err != nil || !credited {
		t.Fatalf("verify deposit: credited=%v err=%v", credited, err)
	}

	account := mustAccount(t, svc, "alice")
	balance, _ := svc.GetBalance(ctx, account.ID)
	if balance.Available != 1500 {
		t.Fatalf("expected available 1500, got %d", balance.Available)
	}

	// 重复申报同一交易不再入账。
	credited, err = svc.VerifyAndProcessDeposit(ctx, "alice", inbound.TxID, 1500)
	if err != nil || credited {
		t.Fatalf("duplicate verify: credited=%v err=%v", credited, err)
	}

	// 收款方不是托管身份。
	if _, err := svc.VerifyAndProcessDeposit(ctx, "alice", stray.TxID, 700); err == nil {
		t.Fatal("expected verification to reject foreign receiver")
	}

	// 金额与申报不符。
	inbound2 := chainClient.AddTransfer("0xALICE", "0xCUSTODY", 800)
	if _, err := svc.VerifyAndProcessDeposit(ctx, "alice", inbound2.TxID, 900); err == nil {
		t.Fatal("expected verification to reject amount mismatch")
	}

	// 链上不存在的交易。
	if _, err := svc.VerifyAndProcessDeposit(ctx, "alice", "tx-missing", 100); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestVerifyDepositSkipsChainForRecordedTx(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, "alice")

	// 账本里已有的交易不再走链上核验，即便链端查不到也直接跳过。
	if credited, err := svc.DetectDeposit(ctx, account.ID, "tx-seen", 400, Detail{}); err != nil || !credited {
		t.Fatalf("detect deposit: credited=%v err=%v", credited, err)
	}
	credited, err := svc.VerifyAndProcessDeposit(ctx, "alice", "tx-seen", 400)
	if err != nil {
		t.Fatalf("verify recorded tx: %v", err)
	}
	if credited {
		t.Fatal("recorded tx must not be credited twice")
	}

	balance, _ := svc.GetBalance(ctx, account.ID)
	if balance.Available != 400 {
		t.Fatalf("expected available 400, got %d", balance.Available)
	}
}

func TestSpentToday(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, "alice")

	if _, err := svc.Credit(ctx, account.ID, 1000, KindDeposit, Detail{TxID: "tx-1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := svc.Debit(ctx, account.ID, 100, KindAgentExecution, Detail{}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := svc.Debit(ctx, account.ID, 50, KindWithdrawal, Detail{}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	// FEE 不计入当日支出口径。
	if _, err := svc.Debit(ctx, account.ID, 30, KindFee, Detail{}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	spent, err := svc.SpentToday(ctx, account.ID)
	if err != nil {
		t.Fatalf("spent today: %v", err)
	}
	if spent != 150 {
		t.Fatalf("expected spent 150, got %d", spent)
	}
}

func TestLedgerHistoryFilterAndPaging(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account := mustAccount(t, svc, "alice")

	if _, err := svc.Credit(ctx, account.ID, 1000, KindDeposit, Detail{TxID: "tx-1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Debit(ctx, account.ID, 10, KindAgentExecution, Detail{}); err != nil {
			t.Fatalf("debit %d: %v", i, err)
		}
	}

	executions, err := svc.LedgerHistory(ctx, account.ID, LedgerQuery{Kind: KindAgentExecution})
	if err != nil {
		t.Fatalf("ledger history: %v", err)
	}
	if len(executions) != 3 {
		t.Fatalf("expected 3 execution entries, got %d", len(executions))
	}

	page, err := svc.LedgerHistory(ctx, account.ID, LedgerQuery{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ledger history page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 entries on page, got %d", len(page))
	}
}

func TestConfiguredAssetFlowsThroughLedger(t *testing.T) {
	svc := NewService(NewMemoryStore(), chain.NewMemoryClient("0xCUSTODY"), WithAsset("USDT"))
	ctx := context.Background()
	account := mustAccount(t, svc, "alice")

	entry, err := svc.Credit(ctx, account.ID, 800, KindDeposit, Detail{TxID: "tx-1"})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if entry.Asset != "USDT" {
		t.Fatalf("expected entry asset USDT, got %s", entry.Asset)
	}

	// 预留走同一资产的余额行，配置资产必须贯穿全程。
	if err := svc.Reserve(ctx, account.ID, 300); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	balance, err := svc.GetBalance(ctx, account.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Asset != "USDT" {
		t.Fatalf("expected balance asset USDT, got %s", balance.Asset)
	}
	if balance.Available != 500 || balance.Reserved != 300 {
		t.Fatalf("unexpected balance: available=%d reserved=%d", balance.Available, balance.Reserved)
	}

	// 逐笔覆盖资产仍然生效。
	override, err := svc.Credit(ctx, account.ID, 10, KindDeposit, Detail{TxID: "tx-2", Asset: "ETH"})
	if err != nil {
		t.Fatalf("credit with asset override: %v", err)
	}
	if override.Asset != "ETH" {
		t.Fatalf("expected override asset ETH, got %s", override.Asset)
	}
}
