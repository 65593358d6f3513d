package deposit

import (
	"context"
	"testing"
	"time"

	"qubic-autopilot/internal/chain"
	"qubic-autopilot/internal/wallet"
)

const custodyIdentity = "CUSTODYHOTWALLETIDENTITY"

type listenerEnv struct {
	chain       *chain.MemoryClient
	wallets     *wallet.Service
	checkpoints *MemoryCheckpointStore
	resolver    *SourceResolver
	listener    *Listener
}

func newListenerEnv(t *testing.T, cfg Config) *listenerEnv {
	t.Helper()
	chainClient := chain.NewMemoryClient(custodyIdentity)
	wallets := wallet.NewService(wallet.NewMemoryStore(), chainClient)
	checkpoints := NewMemoryCheckpointStore()
	resolver := NewSourceResolver()
	return &listenerEnv{
		chain:       chainClient,
		wallets:     wallets,
		checkpoints: checkpoints,
		resolver:    resolver,
		listener:    NewListener(chainClient, wallets, checkpoints, resolver, cfg),
	}
}

func (env *listenerEnv) balanceOf(t *testing.T, ctx context.Context, userID string) int64 {
	t.Helper()
	account, err := env.wallets.GetOrCreateAccount(ctx, userID)
	if err != nil {
		t.Fatalf("GetOrCreateAccount failed: %v", err)
	}
	total, err := env.wallets.GetTotalBalance(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetTotalBalance failed: %v", err)
	}
	return total
}

func TestCycleCreditsInboundTransfers(t *testing.T) {
	env := newListenerEnv(t, Config{})
	ctx := context.Background()
	env.resolver.Bind("ALICESOURCE", "alice")

	env.chain.AddTransfer("ALICESOURCE", custodyIdentity, 500)
	env.chain.AddTransfer("ALICESOURCE", custodyIdentity, 200)

	if err := env.listener.Cycle(ctx); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if total := env.balanceOf(t, ctx, "alice"); total != 700 {
		t.Fatalf("balance after scan: got %d, want 700", total)
	}

	saved, err := env.checkpoints.Checkpoint(ctx, custodyIdentity)
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	tip, _ := env.chain.Tip(ctx)
	if saved != tip {
		t.Fatalf("checkpoint not advanced to tip: got %d, want %d", saved, tip)
	}
}

func TestCycleIdempotentAcrossOverlappingScans(t *testing.T) {
	env := newListenerEnv(t, Config{})
	ctx := context.Background()
	env.resolver.Bind("ALICESOURCE", "alice")
	env.chain.AddTransfer("ALICESOURCE", custodyIdentity, 500)

	if err := env.listener.Cycle(ctx); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if err := env.listener.Cycle(ctx); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	// 进度丢失后重扫同一区间也不会重复记账。
	if err := env.checkpoints.SaveCheckpoint(ctx, custodyIdentity, 0); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := env.listener.Cycle(ctx); err != nil {
		t.Fatalf("rescan cycle failed: %v", err)
	}
	if total := env.balanceOf(t, ctx, "alice"); total != 500 {
		t.Fatalf("overlapping scans double-credited: got %d, want 500", total)
	}
}

func TestCycleSkipsUnresolvedAndOutbound(t *testing.T) {
	env := newListenerEnv(t, Config{})
	ctx := context.Background()
	env.resolver.Bind("ALICESOURCE", "alice")

	env.chain.AddTransfer("STRANGERSOURCE", custodyIdentity, 900)
	env.chain.Fund(custodyIdentity, 1000)
	if _, err := env.chain.Send(ctx, "SOMEWHEREELSE", 300); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := env.listener.Cycle(ctx); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if total := env.balanceOf(t, ctx, "alice"); total != 0 {
		t.Fatalf("unexpected credit: got %d, want 0", total)
	}
	saved, _ := env.checkpoints.Checkpoint(ctx, custodyIdentity)
	tip, _ := env.chain.Tip(ctx)
	if saved != tip {
		t.Fatalf("checkpoint must advance past skipped transfers: got %d, want %d", saved, tip)
	}
}

func TestFirstRunPrimesNearTip(t *testing.T) {
	env := newListenerEnv(t, Config{Lookback: 5})
	ctx := context.Background()
	env.resolver.Bind("ALICESOURCE", "alice")

	// 10 笔历史转账，首轮只回溯最近 5 个区块。
	for i := 0; i < 10; i++ {
		env.chain.AddTransfer("ALICESOURCE", custodyIdentity, 100)
	}
	if err := env.listener.Cycle(ctx); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if total := env.balanceOf(t, ctx, "alice"); total != 500 {
		t.Fatalf("lookback window credited %d, want 500", total)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	env := newListenerEnv(t, Config{Interval: 5 * time.Millisecond})
	ctx := context.Background()
	env.resolver.Bind("ALICESOURCE", "alice")

	if err := env.listener.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := env.listener.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail")
	}
	defer env.listener.Stop()

	env.chain.AddTransfer("ALICESOURCE", custodyIdentity, 500)

	deadline := time.After(2 * time.Second)
	for {
		if total := env.balanceOf(t, ctx, "alice"); total == 500 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("deposit was not credited within 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}

	env.listener.Stop()
	// Stop 之后再次 Stop 是空操作。
	env.listener.Stop()
}
