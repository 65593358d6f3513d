package deposit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"qubic-autopilot/internal/alerting"
	"qubic-autopilot/internal/chain"
	xerrors "qubic-autopilot/internal/errors"
	"qubic-autopilot/internal/observability/metrics"
	"qubic-autopilot/internal/wallet"
	"qubic-autopilot/pkg/logger"
)

// Resolver 把一笔入账转账归属到某个用户。
// ok=false 表示转账与任何用户无关，直接跳过。
type Resolver interface {
	Resolve(ctx context.Context, transfer chain.Transfer) (userID string, ok bool, err error)
}

// ResolverFunc 允许用函数直接实现 Resolver。
type ResolverFunc func(ctx context.Context, transfer chain.Transfer) (string, bool, error)

// Resolve 实现 Resolver 接口。
func (f ResolverFunc) Resolve(ctx context.Context, transfer chain.Transfer) (string, bool, error) {
	return f(ctx, transfer)
}

// SourceResolver 按来源地址静态映射用户，适合用户登记过
// 充值来源地址的部署形态。
type SourceResolver struct {
	mu    sync.RWMutex
	users map[string]string
}

var _ Resolver = (*SourceResolver)(nil)

// NewSourceResolver 创建来源地址解析器。
func NewSourceResolver() *SourceResolver {
	return &SourceResolver{users: make(map[string]string)}
}

// Bind 登记来源地址与用户的映射。
func (r *SourceResolver) Bind(source, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[strings.ToUpper(source)] = userID
}

// Resolve 实现 Resolver 接口。
func (r *SourceResolver) Resolve(_ context.Context, transfer chain.Transfer) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.users[strings.ToUpper(transfer.SourceID)]
	return userID, ok, nil
}

// Config 描述监听器的轮询参数。
type Config struct {
	// Interval 是两次扫描之间的间隔。
	Interval time.Duration
	// Lookback 是首次启动时向后回溯的区块数。
	Lookback uint64
	// Alerts 接收入账与扫描失败事件，缺省只写日志。
	Alerts alerting.Dispatcher
}

// Listener 是单协程的入账监听循环：按固定间隔取链上最新高度，
// 高度超过已持久化的进度时扫描 (checkpoint, tip] 区间的入账转账，
// 逐笔幂等记账，整批处理完成后才推进进度。
// 单个周期内的失败只记录日志，下个周期重试，循环永不因此退出。
type Listener struct {
	chain       chain.Client
	wallets     *wallet.Service
	checkpoints CheckpointStore
	resolver    Resolver
	interval    time.Duration
	lookback    uint64
	alerts      alerting.Dispatcher

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewListener 创建入账监听器。
func NewListener(chainClient chain.Client, wallets *wallet.Service,
	checkpoints CheckpointStore, resolver Resolver, cfg Config) *Listener {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	lookback := cfg.Lookback
	if lookback == 0 {
		lookback = 32
	}
	alerts := cfg.Alerts
	if alerts == nil {
		alerts = alerting.LogDispatcher{}
	}
	return &Listener{
		chain:       chainClient,
		wallets:     wallets,
		checkpoints: checkpoints,
		resolver:    resolver,
		interval:    interval,
		lookback:    lookback,
		alerts:      alerts,
	}
}

// Start 启动后台监听协程。重复启动返回错误。
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return xerrors.New(xerrors.CodeInitializationFailure, "入账监听器已经启动")
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.started = true
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		logger.L().Info("入账监听器启动",
			"identity", l.chain.Identity(),
			"interval", l.interval.String(),
		)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				logger.L().Info("入账监听器退出")
				return
			case <-ticker.C:
				if err := l.Cycle(runCtx); err != nil {
					logger.L().Error("入账扫描周期失败", "error", err)
					_ = l.alerts.Notify(runCtx, alerting.Event{
						Kind:       alerting.KindListenerFailure,
						Severity:   xerrors.SeverityCritical,
						Message:    err.Error(),
						OccurredAt: time.Now(),
					})
				}
			}
		}
	}()
	return nil
}

// Stop 停止监听循环并等待协程退出。
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.started = false
	l.mu.Unlock()

	cancel()
	<-done
}

// Cycle 执行一次完整的扫描。进度只在整批转账处理成功后保存，
// 失败的周期会在下个间隔重扫同一区间，幂等键保证不会重复记账。
func (l *Listener) Cycle(ctx context.Context) error {
	identity := l.chain.Identity()
	tip, err := l.chain.Tip(ctx)
	if err != nil {
		return err
	}
	checkpoint, err := l.checkpoints.Checkpoint(ctx, identity)
	if err != nil {
		return err
	}
	// 首次启动只回溯有限区间，避免全链扫描。
	if checkpoint == 0 && tip > l.lookback {
		checkpoint = tip - l.lookback
	}
	if tip <= checkpoint {
		return nil
	}

	transfers, err := l.chain.Transfers(ctx, identity, checkpoint+1, tip)
	if err != nil {
		return err
	}
	for _, transfer := range transfers {
		if !strings.EqualFold(transfer.DestID, identity) {
			continue
		}
		if err := l.process(ctx, transfer); err != nil {
			return err
		}
	}

	return l.checkpoints.SaveCheckpoint(ctx, identity, tip)
}

func (l *Listener) process(ctx context.Context, transfer chain.Transfer) error {
	userID, ok, err := l.resolver.Resolve(ctx, transfer)
	if err != nil {
		return err
	}
	if !ok {
		logger.L().Debug("入账转账无法归属到用户，已跳过",
			"tx_id", transfer.TxID,
			"source", transfer.SourceID,
			"amount", transfer.Amount,
		)
		return nil
	}

	account, err := l.wallets.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return err
	}
	credited, err := l.wallets.DetectDeposit(ctx, account.ID, transfer.TxID, transfer.Amount, wallet.Detail{
		Metadata: map[string]string{
			"source": transfer.SourceID,
			"block":  strconv.FormatUint(transfer.Block, 10),
		},
	})
	if err != nil {
		return err
	}
	if credited {
		logger.Audit().Info("链上入账已记账",
			"user_id", userID,
			"wallet_id", account.ID,
			"tx_id", transfer.TxID,
			"amount", transfer.Amount,
			"block", transfer.Block,
		)
		metrics.ObserveDepositCredited()
		_ = l.alerts.Notify(ctx, alerting.Event{
			Kind:       alerting.KindDepositCredited,
			Message:    "on-chain deposit credited",
			UserID:     userID,
			TxID:       transfer.TxID,
			Amount:     transfer.Amount,
			OccurredAt: time.Now(),
		})
	}
	return nil
}
