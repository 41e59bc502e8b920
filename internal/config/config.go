package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 cosignd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Session  SessionConfig  `json:"session"`
	Backend  BackendConfig  `json:"backend"`
	Web3     Web3Config     `json:"web3"`
	Signer   SignerConfig   `json:"signer"`
	Relayer  RelayerConfig  `json:"relayer"`
	Queue    QueueConfig    `json:"queue"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
	Alerting AlertingConfig `json:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制本地控制面 API 的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
	// APITokenEnv 指定保存控制接口访问令牌的环境变量名，为空时不校验。
	APITokenEnv string `json:"api_token_env"`
}

// SessionConfig 描述与智能体后端之间的长连接。
type SessionConfig struct {
	WSURL                 string `json:"ws_url"`
	Identity              string `json:"identity"`
	ReconnectDelaySeconds int    `json:"reconnect_delay_seconds"`
	PingIntervalSeconds   int    `json:"ping_interval_seconds"`
}

// ReconnectDelay 返回断线重连的固定间隔。
func (c SessionConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

// PingInterval 返回心跳间隔，0 表示关闭心跳。
func (c SessionConfig) PingInterval() time.Duration {
	if c.PingIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// BackendConfig 描述智能体后端 REST 接口（历史记录、联署签名）。
type BackendConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	// AccessTokenEnv 指定保存 Bearer Token 的环境变量名。
	AccessTokenEnv string `json:"access_token_env"`
}

// Timeout 返回 REST 调用的超时时间。
func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Web3Config 包含链端点、代币注册表与多签钱包地址。
type Web3Config struct {
	ChainConfig    string `json:"chain_config"`
	TokenConfig    string `json:"token_config"`
	SafeAddress    string `json:"safe_address"`
	DefaultChainID uint64 `json:"default_chain_id"`
}

// SignerConfig 描述获取用户签名的方式。
type SignerConfig struct {
	// Driver 可选 rpc（外部钱包，eth_signTypedData_v4）或 key（本地私钥，仅用于开发）。
	Driver        string `json:"driver"`
	RPCURL        string `json:"rpc_url"`
	Address       string `json:"address"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// RelayerConfig 描述谁来广播 execTransaction 交易。
type RelayerConfig struct {
	Driver                string `json:"driver"`
	PrivateKeyEnv         string `json:"private_key_env"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
}

// ReceiptTimeout 返回等待交易回执的最长时间，0 表示不等待。
func (c RelayerConfig) ReceiptTimeout() time.Duration {
	if c.ReceiptTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ReceiptTimeoutSeconds) * time.Second
}

// QueueConfig 描述授权任务队列。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// StorageConfig 描述授权结果记录的存储后端。
type StorageConfig struct {
	OutcomeStore OutcomeStoreConfig `json:"outcome_store"`
}

// OutcomeStoreConfig 支持 memory（本地 JSONL）与 mysql。
type OutcomeStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// MetricsConfig 控制 Prometheus 指标暴露地址，为空时挂载在 API 服务上。
type MetricsConfig struct {
	Address string `json:"address"`
}

// AlertingConfig 配置结果不确定的授权失败的告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Session.ReconnectDelaySeconds <= 0 {
		c.Session.ReconnectDelaySeconds = 3
	}
	if c.Backend.TimeoutSeconds <= 0 {
		c.Backend.TimeoutSeconds = 15
	}
	if c.Signer.Driver == "" {
		c.Signer.Driver = "rpc"
	}
	if c.Relayer.Driver == "" {
		c.Relayer.Driver = c.Signer.Driver
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 4
	}
	if c.Storage.OutcomeStore.Driver == "" {
		c.Storage.OutcomeStore.Driver = "memory"
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")
	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig, "chains.yaml")
	c.Web3.TokenConfig = resolvePath(baseDir, c.Web3.TokenConfig, "tokens.yaml")
	if c.Logging.AuditPath != "" {
		c.Logging.AuditPath = resolvePath(baseDir, c.Logging.AuditPath, "")
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Session.WSURL) == "" {
		return errors.New("session.ws_url 不能为空")
	}
	if strings.TrimSpace(c.Session.Identity) == "" {
		return errors.New("session.identity 不能为空")
	}
	switch c.Signer.Driver {
	case "rpc", "key":
	default:
		return fmt.Errorf("未知的签名驱动: %s", c.Signer.Driver)
	}
	switch c.Relayer.Driver {
	case "rpc", "key":
	default:
		return fmt.Errorf("未知的广播驱动: %s", c.Relayer.Driver)
	}
	return nil
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
