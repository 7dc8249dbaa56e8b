package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"AgentFleet/pkg/logger"
)

// Config 描述了 fleetd 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Registry  RegistryConfig  `yaml:"registry"`
	Queue     QueueConfig     `yaml:"queue"`
	Notify    NotifyConfig    `yaml:"notify"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Escrow    EscrowConfig    `yaml:"escrow"`
	Logging   logger.Config   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// SchedulerConfig 控制各个后台周期与任务生命周期参数。
type SchedulerConfig struct {
	AssignInterval      time.Duration `yaml:"assign_interval"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	JobTimeout          time.Duration `yaml:"job_timeout"`
	DisputeGrace        time.Duration `yaml:"dispute_grace"`
	ArchiveRetention    time.Duration `yaml:"archive_retention"`
	MaxRetries          int           `yaml:"max_retries"`
}

// RegistryConfig 控制信誉惩罚策略。
type RegistryConfig struct {
	ReputationFloor float64 `yaml:"reputation_floor"`
	DisputePenalty  float64 `yaml:"dispute_penalty"`
}

// QueueConfig 描述入站事件队列。
type QueueConfig struct {
	Driver    string         `yaml:"driver"`
	Workers   int            `yaml:"workers"`
	Shards    int            `yaml:"shards"`
	DedupeTTL time.Duration  `yaml:"dedupe_ttl"`
	Redis     RedisConfig    `yaml:"redis"`
	RabbitMQ  RabbitMQConfig `yaml:"rabbitmq"`
	NATS      NATSConfig     `yaml:"nats"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Queue     string        `yaml:"queue"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// NATSConfig 描述 NATS 队列组参数。
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Group   string `yaml:"group"`
}

// NotifyConfig 描述出站通知的投递方式。
type NotifyConfig struct {
	Driver string `yaml:"driver"`
	Queue  string `yaml:"queue"`
}

// ArchiveConfig 描述终态记录的外部归档存储。
type ArchiveConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EscrowConfig 控制结算前的钱包校验。
type EscrowConfig struct {
	RequireWallet bool `yaml:"require_wallet"`
}

// MetricsConfig 控制 Prometheus 指标命名。
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// DefaultPath 返回未指定 FLEET_CONFIG 时使用的配置路径。
func DefaultPath() string {
	if path := strings.TrimSpace(os.Getenv("FLEET_CONFIG")); path != "" {
		return path
	}
	return filepath.Join("configs", "fleet.yaml")
}

// Load 解析指定路径的 YAML（或 JSON）配置文件。文件不存在时返回默认配置。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			return cfg, nil
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content)
}

// Parse 解析配置内容并补齐默认值。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回全部字段取默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	s := &c.Scheduler
	if s.AssignInterval == 0 {
		s.AssignInterval = time.Second
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = 5 * time.Second
	}
	if s.MaintenanceInterval == 0 {
		s.MaintenanceInterval = 30 * time.Second
	}
	if s.HeartbeatTimeout == 0 {
		s.HeartbeatTimeout = 30 * time.Second
	}
	if s.JobTimeout == 0 {
		s.JobTimeout = 5 * time.Minute
	}
	if s.DisputeGrace == 0 {
		s.DisputeGrace = 24 * time.Hour
	}
	if s.ArchiveRetention == 0 {
		s.ArchiveRetention = time.Hour
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}

	if c.Registry.ReputationFloor == 0 {
		c.Registry.ReputationFloor = 0.2
	}
	if c.Registry.DisputePenalty == 0 {
		c.Registry.DisputePenalty = 0.25
	}

	q := &c.Queue
	if q.Driver == "" {
		q.Driver = "memory"
	}
	if q.Workers <= 0 {
		q.Workers = 1
	}
	if q.Shards <= 0 {
		q.Shards = 16
	}
	if q.DedupeTTL == 0 {
		q.DedupeTTL = 10 * time.Minute
	}
	if q.Redis.Queue == "" {
		q.Redis.Queue = "fleet:events"
	}
	if q.Redis.BlockWait == 0 {
		q.Redis.BlockWait = 5 * time.Second
	}
	if q.RabbitMQ.Queue == "" {
		q.RabbitMQ.Queue = "fleet.events"
	}
	if q.NATS.Subject == "" {
		q.NATS.Subject = "fleet.events"
	}
	if q.NATS.Group == "" {
		q.NATS.Group = "fleetd"
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "log"
	}
	if c.Notify.Queue == "" {
		c.Notify.Queue = "fleet.outbound"
	}

	if c.Archive.Driver == "" {
		c.Archive.Driver = "memory"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "fleet"
	}
}

// Validate 检查配置是否可以启动服务。
func (c *Config) Validate() error {
	s := c.Scheduler
	durations := map[string]time.Duration{
		"scheduler.assign_interval":      s.AssignInterval,
		"scheduler.sweep_interval":       s.SweepInterval,
		"scheduler.maintenance_interval": s.MaintenanceInterval,
		"scheduler.heartbeat_timeout":    s.HeartbeatTimeout,
		"scheduler.job_timeout":          s.JobTimeout,
		"scheduler.dispute_grace":        s.DisputeGrace,
		"scheduler.archive_retention":    s.ArchiveRetention,
	}
	for name, value := range durations {
		if value < 0 {
			return fmt.Errorf("配置项 %s 不能为负数", name)
		}
	}
	if s.MaxRetries < 0 {
		return errors.New("配置项 scheduler.max_retries 不能为负数")
	}
	if c.Registry.ReputationFloor < 0 || c.Registry.ReputationFloor > 1 {
		return errors.New("配置项 registry.reputation_floor 必须位于 [0, 1]")
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq", "nats":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	switch c.Notify.Driver {
	case "log", "queue":
	default:
		return fmt.Errorf("未知的通知驱动: %s", c.Notify.Driver)
	}
	switch c.Archive.Driver {
	case "none", "memory":
	case "mysql":
		if strings.TrimSpace(c.Archive.DSN) == "" {
			return errors.New("archive.driver=mysql 需要配置 archive.dsn")
		}
	default:
		return fmt.Errorf("未知的归档驱动: %s", c.Archive.Driver)
	}
	return nil
}
