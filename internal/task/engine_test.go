package task

import (
	"context"
	"strings"
	"testing"

	"qubic-autopilot/internal/approval"
	"qubic-autopilot/internal/chain"
	xerrors "qubic-autopilot/internal/errors"
	"qubic-autopilot/internal/vault"
	"qubic-autopilot/internal/wallet"
)

const custodyIdentity = "CUSTODYHOTWALLETIDENTITY"

type engineEnv struct {
	store     *MemoryStore
	wallet    *wallet.Service
	chain     *chain.MemoryClient
	approvals *approval.Service
	engine    *Engine
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()
	chainClient := chain.NewMemoryClient(custodyIdentity)
	chainClient.Fund(custodyIdentity, 1_000_000)
	walletSvc := wallet.NewService(wallet.NewMemoryStore(), chainClient)
	approvals := approval.NewService(approval.NewMemoryStore())
	store := NewMemoryStore()
	policyFor := func(ctx context.Context, userID string) (vault.Policy, error) {
		settings, err := approvals.SettingsFor(ctx, userID)
		if err != nil {
			return vault.Policy{}, err
		}
		return settings.Vault, nil
	}
	engine := NewEngine(store, walletSvc, vault.NewEngine(walletSvc.SpentToday), chainClient, policyFor)
	return &engineEnv{
		store:     store,
		wallet:    walletSvc,
		chain:     chainClient,
		approvals: approvals,
		engine:    engine,
	}
}

func (env *engineEnv) fundUser(t *testing.T, ctx context.Context, userID string, amount int64) *wallet.Account {
	t.Helper()
	account, err := env.wallet.GetOrCreateAccount(ctx, userID)
	if err != nil {
		t.Fatalf("GetOrCreateAccount failed: %v", err)
	}
	if _, err := env.wallet.Credit(ctx, account.ID, amount, wallet.KindDeposit, wallet.Detail{}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	return account
}

func (env *engineEnv) newTask(t *testing.T, ctx context.Context, userID string, dryRun bool, planned []PlannedStep) *Task {
	t.Helper()
	task := &Task{
		ID:     "task-" + userID,
		UserID: userID,
		Goal:   "test goal",
		DryRun: dryRun,
		Status: StatusPending,
		Steps:  NormalizeSteps(planned),
	}
	if err := env.store.Create(ctx, task); err != nil {
		t.Fatalf("Create task failed: %v", err)
	}
	return task
}

func TestRunHaltsOnFirstFailedStep(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	task := env.newTask(t, ctx, "alice", false, []PlannedStep{
		{Type: string(KindLogOnly), Description: "first"},
		{Type: string(KindChainTx), Description: "broken", Params: map[string]any{}},
		{Type: string(KindLogOnly), Description: "never reached"},
	})

	if err := env.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("Run returned infrastructure error: %v", err)
	}
	stored, err := env.store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("expected task FAILED, got %s", stored.Status)
	}
	if stored.Steps[0].Status != StepCompleted {
		t.Fatalf("expected first step COMPLETED, got %s", stored.Steps[0].Status)
	}
	if stored.Steps[1].Status != StepFailed || stored.Steps[1].Error == "" {
		t.Fatalf("expected second step FAILED with error, got %s %q", stored.Steps[1].Status, stored.Steps[1].Error)
	}
	if stored.Steps[2].Status != StepPending {
		t.Fatalf("expected third step untouched, got %s", stored.Steps[2].Status)
	}
}

func TestRunDryRunSkipsSideEffects(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	account := env.fundUser(t, ctx, "alice", 1000)
	task := env.newTask(t, ctx, "alice", true, []PlannedStep{
		{Type: string(KindChainTx), Description: "transfer", Params: map[string]any{
			"destination": "DESTINATIONIDENTITY",
			"amount":      400,
		}},
	})

	if err := env.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	stored, _ := env.store.Get(ctx, task.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("expected task COMPLETED, got %s", stored.Status)
	}
	if !strings.Contains(stored.Steps[0].Result, "dry_run") {
		t.Fatalf("expected dry_run marker in result, got %q", stored.Steps[0].Result)
	}
	total, err := env.wallet.GetTotalBalance(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetTotalBalance failed: %v", err)
	}
	if total != 1000 {
		t.Fatalf("dry run mutated balance: got %d, want 1000", total)
	}
	if destBalance, _ := env.chain.BalanceOf(ctx, "DESTINATIONIDENTITY"); destBalance != 0 {
		t.Fatalf("dry run touched the chain: dest balance %d", destBalance)
	}
}

func TestTransferStepMovesFunds(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	account := env.fundUser(t, ctx, "alice", 1000)
	task := env.newTask(t, ctx, "alice", false, []PlannedStep{
		{Type: string(KindChainTx), Description: "transfer", Params: map[string]any{
			"destination": "DESTINATIONIDENTITY",
			"amount":      400,
		}},
	})

	if err := env.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	stored, _ := env.store.Get(ctx, task.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("expected task COMPLETED, got %s: %v", stored.Status, stored.Logs)
	}

	total, err := env.wallet.GetTotalBalance(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetTotalBalance failed: %v", err)
	}
	if total != 600 {
		t.Fatalf("virtual balance after transfer: got %d, want 600", total)
	}
	if destBalance, _ := env.chain.BalanceOf(ctx, "DESTINATIONIDENTITY"); destBalance != 400 {
		t.Fatalf("on-chain dest balance: got %d, want 400", destBalance)
	}

	entries, err := env.wallet.LedgerHistory(ctx, account.ID, wallet.LedgerQuery{Kind: wallet.KindAgentExecution})
	if err != nil {
		t.Fatalf("LedgerHistory failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Amount != -400 {
		t.Fatalf("expected one AGENT_EXECUTION entry of -400, got %+v", entries)
	}
}

func TestTransferRollsBackOnChainFailure(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	account := env.fundUser(t, ctx, "alice", 1000)
	// 热钱包链上余额清零，广播必然失败。
	broke := chain.NewMemoryClient(custodyIdentity)
	env.engine.chain = broke

	task := env.newTask(t, ctx, "alice", false, []PlannedStep{
		{Type: string(KindChainTx), Description: "transfer", Params: map[string]any{
			"destination": "DESTINATIONIDENTITY",
			"amount":      400,
		}},
	})
	if err := env.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	stored, _ := env.store.Get(ctx, task.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("expected task FAILED, got %s", stored.Status)
	}

	balance, err := env.wallet.GetBalance(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.Available != 1000 || balance.Reserved != 0 {
		t.Fatalf("expected full refund, got available=%d reserved=%d", balance.Available, balance.Reserved)
	}
}

func TestTransferBlockedByVaultPolicy(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	account := env.fundUser(t, ctx, "alice", 50_000)

	settings := approval.DefaultSettings()
	settings.Vault.MaxTransactionLimit = 1000
	if err := env.approvals.UpdateSettings(ctx, "alice", settings); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}

	task := env.newTask(t, ctx, "alice", false, []PlannedStep{
		{Type: string(KindChainTx), Description: "transfer", Params: map[string]any{
			"destination": "DESTINATIONIDENTITY",
			"amount":      1500,
		}},
	})
	if err := env.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	stored, _ := env.store.Get(ctx, task.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("expected task FAILED, got %s", stored.Status)
	}
	if !strings.Contains(stored.Steps[0].Error, "max limit") {
		t.Fatalf("expected vault violation in step error, got %q", stored.Steps[0].Error)
	}
	total, _ := env.wallet.GetTotalBalance(ctx, account.ID)
	if total != 50_000 {
		t.Fatalf("vault rejection mutated balance: got %d", total)
	}
}

func TestTransferFailsWithoutBalance(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	env.fundUser(t, ctx, "alice", 100)

	task := env.newTask(t, ctx, "alice", false, []PlannedStep{
		{Type: string(KindChainTx), Description: "transfer", Params: map[string]any{
			"destination": "DESTINATIONIDENTITY",
			"amount":      400,
		}},
	})
	if err := env.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	stored, _ := env.store.Get(ctx, task.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("expected task FAILED, got %s", stored.Status)
	}
	if !strings.Contains(stored.Steps[0].Error, "insufficient virtual balance") {
		t.Fatalf("unexpected step error: %q", stored.Steps[0].Error)
	}
}

func TestTransferToolRedirectsToChainPath(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	account := env.fundUser(t, ctx, "alice", 1000)

	task := env.newTask(t, ctx, "alice", false, []PlannedStep{
		{Type: string(KindToolExecution), Description: "pay via tool", Params: map[string]any{
			"tool_name": "send_qu",
			"tool_params": map[string]any{
				"to":     "DESTINATIONIDENTITY",
				"amount": 250,
			},
		}},
	})
	if err := env.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	stored, _ := env.store.Get(ctx, task.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("expected task COMPLETED, got %s: %v", stored.Status, stored.Logs)
	}
	total, _ := env.wallet.GetTotalBalance(ctx, account.ID)
	if total != 750 {
		t.Fatalf("balance after tool transfer: got %d, want 750", total)
	}
	if destBalance, _ := env.chain.BalanceOf(ctx, "DESTINATIONIDENTITY"); destBalance != 250 {
		t.Fatalf("on-chain dest balance: got %d, want 250", destBalance)
	}
}

func TestUnknownToolFailsStep(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	task := env.newTask(t, ctx, "alice", false, []PlannedStep{
		{Type: string(KindToolExecution), Description: "unknown tool", Params: map[string]any{
			"tool_name": "frobnicate",
		}},
	})
	if err := env.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	stored, _ := env.store.Get(ctx, task.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("expected task FAILED, got %s", stored.Status)
	}
	if !strings.Contains(stored.Steps[0].Error, "not found in registry") {
		t.Fatalf("unexpected step error: %q", stored.Steps[0].Error)
	}
}

func TestRegisteredToolExecutes(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	env.engine.tools.Register(toolFunc{name: "echo"})

	task := env.newTask(t, ctx, "alice", false, []PlannedStep{
		{Type: string(KindToolExecution), Description: "echo tool", Params: map[string]any{
			"tool_name":   "echo",
			"tool_params": map[string]any{"message": "hello"},
		}},
	})
	if err := env.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	stored, _ := env.store.Get(ctx, task.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("expected task COMPLETED, got %s", stored.Status)
	}
	if !strings.Contains(stored.Steps[0].Result, "hello") {
		t.Fatalf("expected tool result echoed, got %q", stored.Steps[0].Result)
	}
}

type toolFunc struct {
	name string
}

func (t toolFunc) Name() string { return t.name }

func (t toolFunc) Execute(_ context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true, "echo": params["message"]}, nil
}

func TestOracleReadAndRebalancePlan(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	task := env.newTask(t, ctx, "alice", false, []PlannedStep{
		{Type: string(KindOracleRead), Description: "read portfolio"},
		{Type: string(KindAIPlan), Description: "plan rebalance", Params: map[string]any{
			"target_allocation": map[string]any{"QUBIC": 0.5},
		}},
		{Type: string(KindChainTx), Description: "execute rebalance"},
	})
	if err := env.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	stored, _ := env.store.Get(ctx, task.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("expected task COMPLETED, got %s: %v", stored.Status, stored.Logs)
	}
	if !strings.Contains(stored.Steps[1].Result, "trade_actions") {
		t.Fatalf("expected trade actions in plan result, got %q", stored.Steps[1].Result)
	}
	if !strings.Contains(stored.Steps[2].Result, "REBALANCE_SIMULATED") {
		t.Fatalf("expected simulated rebalance, got %q", stored.Steps[2].Result)
	}
}

func TestRunnerSkipsClaimedTask(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	task := env.newTask(t, ctx, "alice", false, []PlannedStep{
		{Type: string(KindLogOnly), Description: "noop"},
	})
	if _, err := env.store.Claim(ctx, task.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	runner := NewRunner(NewMemoryQueue(1), env.engine, 1)
	if err := runner.Handle(ctx, task.ID); err != nil {
		t.Fatalf("expected claimed task to be skipped, got %v", err)
	}
	if err := runner.Handle(ctx, "missing-task"); err != nil {
		t.Fatalf("expected missing task to be skipped, got %v", err)
	}
	if code := xerrors.CodeOf(ErrTaskConflict); code != CodeTaskConflict {
		t.Fatalf("sanity: CodeOf(ErrTaskConflict) = %s", code)
	}
}
