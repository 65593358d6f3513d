package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"qubic-autopilot/internal/api"
	"qubic-autopilot/internal/approval"
	"qubic-autopilot/internal/chain"
	"qubic-autopilot/internal/config"
	"qubic-autopilot/internal/deposit"
	"qubic-autopilot/internal/observability/metrics"
	"qubic-autopilot/internal/task"
	"qubic-autopilot/internal/vault"
	"qubic-autopilot/internal/wallet"
	"qubic-autopilot/pkg/logger"
)

// main 是 autopilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("autopilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AUTOPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "autopilot.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	chainClient, err := createChainClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer chainClient.Close()

	walletStore, approvalStore, taskStore, checkpointStore, err := createStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = checkpointStore.Close()
		_ = taskStore.Close()
		_ = approvalStore.Close()
		_ = walletStore.Close()
	}()

	taskQueue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", "error", err)
		}
	}()

	walletService := wallet.NewService(walletStore, chainClient, wallet.WithAsset(cfg.Chain.Asset))
	approvalService := approval.NewService(approvalStore)
	vaultEngine := vault.NewEngine(walletService.SpentToday)
	policyFor := func(ctx context.Context, userID string) (vault.Policy, error) {
		settings, err := approvalService.SettingsFor(ctx, userID)
		if err != nil {
			return vault.Policy{}, err
		}
		return settings.Vault, nil
	}

	engine := task.NewEngine(taskStore, walletService, vaultEngine, chainClient, policyFor)
	taskService := task.NewService(taskStore, taskQueue, task.HeuristicPlanner{}, approvalService)
	runner := task.NewRunner(taskQueue, engine, cfg.Queue.Workers)

	runnerCtx, cancelRunner := context.WithCancel(ctx)
	defer cancelRunner()
	go func() {
		if err := runner.Start(runnerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务执行器异常退出", "error", err)
		}
	}()

	if cfg.Deposit.Enabled {
		resolver := deposit.NewSourceResolver()
		for source, userID := range cfg.Deposit.Sources {
			resolver.Bind(source, userID)
		}
		listener := deposit.NewListener(chainClient, walletService, checkpointStore,
			resolver, deposit.Config{
				Interval: cfg.Deposit.PollInterval(),
				Lookback: uint64(cfg.Deposit.LookbackBlocks),
			})
		if err := listener.Start(ctx); err != nil {
			return err
		}
		defer listener.Stop()
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, taskService, approvalService, walletService)
	logger.L().Info("autopilotd 启动",
		"address", cfg.Server.Address,
		"storage", cfg.Storage.Driver,
		"queue", cfg.Queue.Driver,
		"chain", cfg.Chain.Driver,
	)
	return server.Start(ctx)
}

func createChainClient(ctx context.Context, cfg *config.Config) (chain.Client, error) {
	switch cfg.Chain.Driver {
	case "", "memory":
		identity := cfg.Chain.CustodyIdentity
		if identity == "" {
			identity = "AUTOPILOTCUSTODY"
		}
		return chain.NewMemoryClient(identity), nil
	case "evm":
		return chain.NewEVMClient(ctx, chain.EVMConfig{
			RPCURL:       cfg.Chain.RPCURL,
			SignerKeyHex: os.Getenv(cfg.Chain.SignerKeyEnv),
			CallTimeout:  cfg.Chain.ChainCallTimeout(),
		})
	default:
		return nil, fmt.Errorf("未知的链驱动: %s", cfg.Chain.Driver)
	}
}

func createStores(cfg *config.Config) (wallet.Store, approval.Store, task.Store, deposit.CheckpointStore, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return wallet.NewMemoryStore(), approval.NewMemoryStore(),
			task.NewMemoryStore(), deposit.NewMemoryCheckpointStore(), nil
	case "mysql":
		db, err := openMySQL(cfg.Storage)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		walletStore, err := wallet.NewMySQLStoreWithDB(db)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		approvalStore, err := approval.NewMySQLStoreWithDB(db)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		taskStore, err := task.NewMySQLStoreWithDB(db)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		checkpointStore, err := deposit.NewMySQLCheckpointStoreWithDB(db)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return walletStore, approvalStore, taskStore, checkpointStore, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// openMySQL 打开全部存储共用的 MySQL 连接池，未配置的参数取默认值。
func openMySQL(cfg config.StorageConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetimeSeconds > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second)
	} else {
		db.SetConnMaxLifetime(10 * time.Minute)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

func createQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}
