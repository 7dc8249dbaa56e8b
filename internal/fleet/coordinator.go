// Package fleet 把注册表、调度器与仲裁器组装为完整的调度核心：
// 对外提供封闭命令集合的分发入口，对内驱动分配、巡检与维护三个后台循环。
package fleet

import (
	"context"
	"log/slog"
	"time"

	"AgentFleet/internal/clock"
	"AgentFleet/internal/config"
	"AgentFleet/internal/dispute"
	"AgentFleet/internal/escrow"
	"AgentFleet/internal/event"
	"AgentFleet/internal/notify"
	"AgentFleet/internal/observability/alerting"
	"AgentFleet/internal/observability/metrics"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/scheduler"
	"AgentFleet/internal/verify"
	"AgentFleet/internal/wallet"
	"AgentFleet/pkg/logger"
)

// Archiver 同时接收任务与争议的归档。
type Archiver interface {
	scheduler.Archiver
	dispute.Archiver
}

// Settings 是调度核心的时间与策略参数。
type Settings struct {
	AssignInterval      time.Duration
	SweepInterval       time.Duration
	MaintenanceInterval time.Duration
	HeartbeatTimeout    time.Duration
	JobTimeout          time.Duration
	DisputeGrace        time.Duration
	ArchiveRetention    time.Duration
	MaxRetries          int
	ReputationFloor     float64
	DisputePenalty      float64
	RequireWallet       bool
}

// SettingsFrom 从应用配置中提取调度核心参数。
func SettingsFrom(cfg *config.Config) Settings {
	if cfg == nil {
		cfg = config.Default()
	}
	s := cfg.Scheduler
	return Settings{
		AssignInterval:      s.AssignInterval,
		SweepInterval:       s.SweepInterval,
		MaintenanceInterval: s.MaintenanceInterval,
		HeartbeatTimeout:    s.HeartbeatTimeout,
		JobTimeout:          s.JobTimeout,
		DisputeGrace:        s.DisputeGrace,
		ArchiveRetention:    s.ArchiveRetention,
		MaxRetries:          s.MaxRetries,
		ReputationFloor:     cfg.Registry.ReputationFloor,
		DisputePenalty:      cfg.Registry.DisputePenalty,
		RequireWallet:       cfg.Escrow.RequireWallet,
	}
}

func (s *Settings) applyDefaults() {
	defaults := SettingsFrom(config.Default())
	if s.AssignInterval <= 0 {
		s.AssignInterval = defaults.AssignInterval
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = defaults.SweepInterval
	}
	if s.MaintenanceInterval <= 0 {
		s.MaintenanceInterval = defaults.MaintenanceInterval
	}
	if s.HeartbeatTimeout <= 0 {
		s.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if s.JobTimeout <= 0 {
		s.JobTimeout = defaults.JobTimeout
	}
	if s.DisputeGrace <= 0 {
		s.DisputeGrace = defaults.DisputeGrace
	}
	if s.ArchiveRetention <= 0 {
		s.ArchiveRetention = defaults.ArchiveRetention
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = defaults.MaxRetries
	}
	if s.ReputationFloor <= 0 {
		s.ReputationFloor = defaults.ReputationFloor
	}
	if s.DisputePenalty <= 0 {
		s.DisputePenalty = defaults.DisputePenalty
	}
}

// Coordinator 是调度核心的组装根。
type Coordinator struct {
	settings Settings

	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	arbiter   *dispute.Arbiter
	outbox    *escrow.Outbox

	notifier notify.Notifier
	metrics  *metrics.Metrics
	archiver Archiver
	clock    clock.Clock
	logger   *slog.Logger

	handlers map[event.Kind]handler
	wake     chan struct{}
}

type deps struct {
	clock      clock.Clock
	verifier   verify.Verifier
	settlement escrow.Settlement
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	archiver   Archiver
	alerter    alerting.Dispatcher
}

// Option 定义可选依赖。
type Option func(*deps)

// WithClock 指定时钟来源。
func WithClock(c clock.Clock) Option {
	return func(d *deps) { d.clock = c }
}

// WithVerifier 配置结果校验器。
func WithVerifier(v verify.Verifier) Option {
	return func(d *deps) { d.verifier = v }
}

// WithSettlement 配置托管协作方。
func WithSettlement(s escrow.Settlement) Option {
	return func(d *deps) { d.settlement = s }
}

// WithNotifier 配置出站通知。
func WithNotifier(n notify.Notifier) Option {
	return func(d *deps) { d.notifier = n }
}

// WithMetrics 配置指标采集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *deps) { d.metrics = m }
}

// WithArchiver 配置终态记录的归档存储，未配置时不归档。
func WithArchiver(a Archiver) Option {
	return func(d *deps) { d.archiver = a }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(a alerting.Dispatcher) Option {
	return func(d *deps) { d.alerter = a }
}

// New 组装调度核心。命令表缺少任一命令类型的处理器时返回错误。
func New(settings Settings, opts ...Option) (*Coordinator, error) {
	settings.applyDefaults()
	d := deps{}
	for _, opt := range opts {
		if opt != nil {
			opt(&d)
		}
	}
	clk := clock.OrSystem(d.clock)
	if d.verifier == nil {
		d.verifier = verify.AcceptAll{}
	}
	if d.settlement == nil {
		d.settlement = escrow.NewLedger()
	}
	if d.notifier == nil {
		d.notifier = notify.NewLog()
	}
	if d.alerter == nil {
		d.alerter = alerting.NewFanout(alerting.LogNotifier{})
	}

	reg := registry.New(
		registry.WithClock(clk),
		registry.WithReputationFloor(settings.ReputationFloor),
	)
	schedOpts := []scheduler.Option{
		scheduler.WithClock(clk),
		scheduler.WithVerifier(d.verifier),
		scheduler.WithSettlement(d.settlement),
		scheduler.WithAlertDispatcher(d.alerter),
		scheduler.WithJobTimeout(settings.JobTimeout),
		scheduler.WithMaxRetries(settings.MaxRetries),
		scheduler.WithDisputeGrace(settings.DisputeGrace),
	}
	if settings.RequireWallet {
		schedOpts = append(schedOpts, scheduler.WithWalletCheck(wallet.Valid))
	}
	sched := scheduler.New(reg, schedOpts...)
	outbox := escrow.NewOutbox(d.settlement)
	arbiter := dispute.New(sched,
		dispute.WithClock(clk),
		dispute.WithSettlement(outbox),
		dispute.WithAlertDispatcher(d.alerter),
		dispute.WithDefaultPenalty(settings.DisputePenalty),
	)

	c := &Coordinator{
		settings:  settings,
		registry:  reg,
		scheduler: sched,
		arbiter:   arbiter,
		outbox:    outbox,
		notifier:  d.notifier,
		metrics:   d.metrics,
		archiver:  d.archiver,
		clock:     clk,
		logger:    logger.Named("fleet"),
		wake:      make(chan struct{}, 1),
	}
	handlers, err := c.buildHandlers()
	if err != nil {
		return nil, err
	}
	c.handlers = handlers
	return c, nil
}

// Registry 返回 Agent 注册表。
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Scheduler 返回任务调度器。
func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.scheduler }

// Arbiter 返回争议仲裁器。
func (c *Coordinator) Arbiter() *dispute.Arbiter { return c.arbiter }

// PendingEscrow 返回等待重试的托管操作数量。
func (c *Coordinator) PendingEscrow() int { return c.outbox.Pending() }

// Wake 请求尽快执行一次分配，不会阻塞。
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) notify(ctx context.Context, msg notify.Message) {
	if msg.At.IsZero() {
		msg.At = c.clock.Now()
	}
	if err := c.notifier.Notify(ctx, msg); err != nil {
		c.logger.Warn("通知投递失败",
			slog.String("kind", string(msg.Kind)),
			slog.String("agent_id", msg.AgentID),
			slog.String("job_id", msg.JobID),
			slog.Any("error", err),
		)
	}
}
