package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 autopilot 守护进程启动时需要加载的全部配置。
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Chain   ChainConfig   `yaml:"chain"`
	Deposit DepositConfig `yaml:"deposit"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig 描述关系型存储的连接信息。
type StorageConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述任务队列的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Workers  int            `yaml:"workers"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ChainConfig 包含访问链节点以及托管热钱包所需的信息。
type ChainConfig struct {
	Driver          string `yaml:"driver"`
	RPCURL          string `yaml:"rpc_url"`
	CustodyIdentity string `yaml:"custody_identity"`
	SignerKeyEnv    string `yaml:"signer_key_env"`
	Asset           string `yaml:"asset"`
	CallTimeoutSecs int    `yaml:"call_timeout_seconds"`
}

// DepositConfig 控制入账监听器的行为。
// Sources 把链上来源地址映射到托管用户，用于入账归属。
type DepositConfig struct {
	Enabled         bool              `yaml:"enabled"`
	IntervalSeconds int               `yaml:"interval_seconds"`
	LookbackBlocks  int               `yaml:"lookback_blocks"`
	Sources         map[string]string `yaml:"sources"`
}

// MetricsConfig 控制指标端点。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
	AuditPath   string   `yaml:"audit_path"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Chain.Driver == "" {
		c.Chain.Driver = "memory"
	}
	if c.Chain.Asset == "" {
		c.Chain.Asset = "QUBIC"
	}
	if c.Chain.SignerKeyEnv == "" {
		c.Chain.SignerKeyEnv = "AUTOPILOT_SIGNER_KEY"
	}
	if c.Chain.CallTimeoutSecs <= 0 {
		c.Chain.CallTimeoutSecs = 10
	}
	if c.Deposit.IntervalSeconds <= 0 {
		c.Deposit.IntervalSeconds = 10
	}
	if c.Deposit.LookbackBlocks <= 0 {
		c.Deposit.LookbackBlocks = 10
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9091"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// ChainCallTimeout 返回链上调用的超时时间。
func (c *ChainConfig) ChainCallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

// PollInterval 返回入账监听器的轮询间隔。
func (c *DepositConfig) PollInterval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}
