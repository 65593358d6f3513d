package task

import (
	"context"
	"strings"
	"testing"

	"qubic-autopilot/internal/approval"
	xerrors "qubic-autopilot/internal/errors"
	"qubic-autopilot/internal/wallet"
)

type serviceEnv struct {
	*engineEnv
	queue  *MemoryQueue
	svc    *Service
	runner *Runner
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	env := newEngineEnv(t)
	queue := NewMemoryQueue(16)
	t.Cleanup(func() { _ = queue.Close() })
	return &serviceEnv{
		engineEnv: env,
		queue:     queue,
		svc:       NewService(env.store, queue, nil, env.approvals),
		runner:    NewRunner(queue, env.engine, 1),
	}
}

// drain 同步执行队列中积压的全部任务。
func (env *serviceEnv) drain(t *testing.T, ctx context.Context) {
	t.Helper()
	if err := env.queue.Drain(ctx, env.runner.Handle); err != nil {
		t.Fatalf("drain queue failed: %v", err)
	}
}

func TestSubmitValidatesInput(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	if _, _, err := env.svc.Submit(ctx, SubmitParams{UserID: "alice", Goal: "   "}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation failure for empty goal, got %v", err)
	}
	if _, _, err := env.svc.Submit(ctx, SubmitParams{Goal: "check balance"}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation failure for missing user, got %v", err)
	}
}

func TestSubmitAutoApprovesBelowThreshold(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	// trade 类动作默认不强制审批，阈值 100 之下自动放行。
	task, request, err := env.svc.Submit(ctx, SubmitParams{UserID: "alice", Goal: "swap 50 qubic for usdt"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("expected task PENDING, got %s", task.Status)
	}
	if request == nil || request.Status != approval.StatusAutoApproved {
		t.Fatalf("expected AUTO_APPROVED audit record, got %+v", request)
	}

	pending, err := env.approvals.ListPending(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("auto-approved request must not be pending, got %d", len(pending))
	}
}

func TestSubmitGatesWithdrawalUntilApproved(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	account := env.fundUser(t, ctx, "alice", 1000)
	destination := strings.Repeat("D", 60)

	task, request, err := env.svc.Submit(ctx, SubmitParams{
		UserID: "alice",
		Goal:   "send 600 qubic to " + destination,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.Status != StatusPendingApproval {
		t.Fatalf("expected task PENDING_APPROVAL, got %s", task.Status)
	}
	if request == nil || request.Status != approval.StatusPending {
		t.Fatalf("expected PENDING approval request, got %+v", request)
	}
	if request.TaskID != task.ID {
		t.Fatalf("approval not linked to task: %q vs %q", request.TaskID, task.ID)
	}

	// 闸门关闭期间队列为空，余额不动。
	env.drain(t, ctx)
	if total, _ := env.wallet.GetTotalBalance(ctx, account.ID); total != 1000 {
		t.Fatalf("balance moved before approval: %d", total)
	}

	if _, err := env.approvals.Approve(ctx, request.ID, "looks good"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	resumed, err := env.svc.ResumeApproved(ctx, request.ID)
	if err != nil {
		t.Fatalf("ResumeApproved failed: %v", err)
	}
	if resumed.Status != StatusPending {
		t.Fatalf("expected resumed task PENDING, got %s", resumed.Status)
	}

	env.drain(t, ctx)
	stored, err := env.store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Fatalf("expected task COMPLETED after approval, got %s: %v", stored.Status, stored.Logs)
	}
	if total, _ := env.wallet.GetTotalBalance(ctx, account.ID); total != 400 {
		t.Fatalf("balance after approved transfer: got %d, want 400", total)
	}
	if destBalance, _ := env.chain.BalanceOf(ctx, destination); destBalance != 600 {
		t.Fatalf("on-chain dest balance: got %d, want 600", destBalance)
	}
}

func TestSubmitDryRunBypassesApprovalGate(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	account := env.fundUser(t, ctx, "alice", 1000)
	destination := strings.Repeat("D", 60)

	task, request, err := env.svc.Submit(ctx, SubmitParams{
		UserID: "alice",
		Goal:   "send 600 qubic to " + destination,
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("expected dry-run task PENDING, got %s", task.Status)
	}
	if request != nil {
		t.Fatalf("dry-run must not create approval records, got %+v", request)
	}

	env.drain(t, ctx)
	stored, _ := env.store.Get(ctx, task.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("expected dry-run COMPLETED, got %s", stored.Status)
	}
	if total, _ := env.wallet.GetTotalBalance(ctx, account.ID); total != 1000 {
		t.Fatalf("dry run mutated balance: %d", total)
	}
}

func TestResumeApprovedRequiresApprovedState(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	env.fundUser(t, ctx, "alice", 1000)
	destination := strings.Repeat("D", 60)

	_, request, err := env.svc.Submit(ctx, SubmitParams{
		UserID: "alice",
		Goal:   "send 600 qubic to " + destination,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := env.svc.ResumeApproved(ctx, request.ID); xerrors.CodeOf(err) != approval.CodeStateConflict {
		t.Fatalf("expected state conflict for pending approval, got %v", err)
	}

	if _, err := env.approvals.Reject(ctx, request.ID, "no"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if _, err := env.svc.ResumeApproved(ctx, request.ID); xerrors.CodeOf(err) != approval.CodeStateConflict {
		t.Fatalf("expected state conflict for rejected approval, got %v", err)
	}
}

func TestSubmitWithoutMonetaryIntentSkipsApproval(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	task, request, err := env.svc.Submit(ctx, SubmitParams{UserID: "alice", Goal: "summarize my portfolio"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("expected task PENDING, got %s", task.Status)
	}
	if request != nil {
		t.Fatalf("informational goal must not create approval records, got %+v", request)
	}

	env.drain(t, ctx)
	stored, _ := env.store.Get(ctx, task.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("expected task COMPLETED, got %s", stored.Status)
	}
	history, err := env.wallet.LedgerHistory(ctx, mustAccountID(t, ctx, env, "alice"), wallet.LedgerQuery{})
	if err != nil {
		t.Fatalf("LedgerHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("informational goal produced ledger entries: %+v", history)
	}
}

func mustAccountID(t *testing.T, ctx context.Context, env *serviceEnv, userID string) string {
	t.Helper()
	account, err := env.wallet.GetOrCreateAccount(ctx, userID)
	if err != nil {
		t.Fatalf("GetOrCreateAccount failed: %v", err)
	}
	return account.ID
}
