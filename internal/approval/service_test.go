package approval

import (
	"context"
	"testing"
	"time"

	xerrors "qubic-autopilot/internal/errors"
)

func TestShouldRequireApprovalThreshold(t *testing.T) {
	settings := DefaultSettings()

	if ShouldRequireApproval(settings, "send", 50) {
		t.Fatal("send below threshold should auto-approve under default settings")
	}
	if !ShouldRequireApproval(settings, "send", 150) {
		t.Fatal("amount above threshold should require approval")
	}
	// 阈值为闭区间下界。
	if !ShouldRequireApproval(settings, "send", 100) {
		t.Fatal("amount at threshold should require approval")
	}
}

func TestShouldRequireApprovalActionClasses(t *testing.T) {
	settings := DefaultSettings() // 默认仅提现需要审批

	if !ShouldRequireApproval(settings, "withdraw", 1) {
		t.Fatal("withdrawals require approval by default")
	}
	if !ShouldRequireApproval(settings, "withdrawal", 1) {
		t.Fatal("withdrawals require approval by default")
	}
	// send 不属于提现类，仅受金额阈值约束。
	if ShouldRequireApproval(settings, "send", 1) {
		t.Fatal("small sends are not gated by the withdrawal flag")
	}
	if ShouldRequireApproval(settings, "swap", 1) {
		t.Fatal("trades do not require approval by default")
	}
	if ShouldRequireApproval(settings, "stake", 1) {
		t.Fatal("defi does not require approval by default")
	}

	settings.RequireApprovalForTrades = true
	settings.RequireApprovalForDefi = true
	if !ShouldRequireApproval(settings, "trade", 1) || !ShouldRequireApproval(settings, "farm", 1) {
		t.Fatal("enabled action classes must require approval")
	}
}

func TestApproveLifecycle(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	request, err := svc.Create(ctx, CreateParams{
		UserID: "alice", Action: "withdraw", Amount: 600,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if request.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", request.Status)
	}
	if request.ExpiresAt <= request.CreatedAt {
		t.Fatal("expiry must be after creation")
	}

	approved, err := svc.Approve(ctx, request.ID, "looks fine")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != StatusApproved || approved.DecisionNote != "looks fine" {
		t.Fatalf("unexpected approved request: %+v", approved)
	}

	// 终态请求不可再次决策。
	if _, err := svc.Reject(ctx, request.ID, "late"); xerrors.CodeOf(err) != CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestRejectRecordsNote(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	request, err := svc.Create(ctx, CreateParams{UserID: "alice", Action: "send", Amount: 9000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rejected, err := svc.Reject(ctx, request.ID, "too large")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusRejected || rejected.DecisionNote != "too large" {
		t.Fatalf("unexpected rejected request: %+v", rejected)
	}
}

func TestLazyExpiry(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	request, err := svc.Create(ctx, CreateParams{UserID: "alice", Action: "withdraw", Amount: 600})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// 时间拨到过期之后。
	svc.now = func() time.Time {
		return time.Unix(request.ExpiresAt+1, 0)
	}

	status, err := svc.CheckStatus(ctx, request.ID)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", status)
	}

	if _, err := svc.Approve(ctx, request.ID, ""); xerrors.CodeOf(err) != CodeStateConflict {
		t.Fatalf("approve after expiry must fail, got %v", err)
	}

	stored, err := svc.Request(ctx, request.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if stored.Status != StatusExpired {
		t.Fatalf("expiry not persisted, got %s", stored.Status)
	}
}

func TestApproveExpiredPendingTransitions(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	request, err := svc.Create(ctx, CreateParams{UserID: "alice", Action: "withdraw", Amount: 600})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.now = func() time.Time {
		return time.Unix(request.ExpiresAt+1, 0)
	}

	// 直接对过期请求决策：请求转 EXPIRED，调用失败。
	if _, err := svc.Approve(ctx, request.ID, ""); xerrors.CodeOf(err) != CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
	status, err := svc.CheckStatus(ctx, request.ID)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if status != StatusExpired {
		t.Fatalf("expected EXPIRED after failed approve, got %s", status)
	}
}

func TestAutoApproveAudit(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	request, err := svc.AutoApprove(ctx, CreateParams{UserID: "alice", Action: "send", Amount: 50})
	if err != nil {
		t.Fatalf("auto approve: %v", err)
	}
	if request.Status != StatusAutoApproved || request.DecidedAt == 0 {
		t.Fatalf("unexpected auto-approved request: %+v", request)
	}

	history, err := svc.History(ctx, "alice", 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ID != request.ID {
		t.Fatalf("auto approval missing from history: %+v", history)
	}

	pending, err := svc.ListPending(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("auto approval must not be pending: %+v", pending)
	}
}

func TestListPendingSkipsExpired(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	fresh, err := svc.Create(ctx, CreateParams{UserID: "alice", Action: "withdraw", Amount: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stale := &Request{
		ID:        "stale-1",
		UserID:    "alice",
		Action:    "withdraw",
		Amount:    200,
		Asset:     "QUBIC",
		Status:    StatusPending,
		CreatedAt: time.Now().Add(-2 * time.Hour).Unix(),
		ExpiresAt: time.Now().Add(-time.Hour).Unix(),
	}
	if err := store.CreateRequest(ctx, stale); err != nil {
		t.Fatalf("create stale: %v", err)
	}

	pending, err := svc.ListPending(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != fresh.ID {
		t.Fatalf("expected only fresh request, got %+v", pending)
	}
}
