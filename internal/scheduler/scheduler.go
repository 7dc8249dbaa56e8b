// Package scheduler 是任务记录的唯一所有者，负责任务提交、分配、执行上报、
// 失联与超时回收、争议钩子、托管结算与归档。
//
// 锁顺序固定为 Arbiter → Scheduler → Registry。分配与巡检在调度器锁内完成，
// 因而 Agent 忙碌与任务已分配总是一起提交；校验器、托管与告警只在锁外调用。
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentFleet/internal/clock"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/escrow"
	"AgentFleet/internal/observability/alerting"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/verify"
	"AgentFleet/pkg/logger"
)

// AgentDirectory 是调度器对 Agent 注册表的依赖。
type AgentDirectory interface {
	ListAvailable(required registry.CapabilitySet) []*registry.Agent
	MarkBusy(agentID, jobID string) error
	MarkIdle(agentID, jobID string) error
	Release(agentID, jobID string)
	SweepStale(timeout time.Duration) []registry.Orphan
	Get(agentID string) (*registry.Agent, error)
	CreditEarnings(agentID string, amount int64) error
	Penalize(agentID string, amount float64, reason string) (registry.Penalty, error)
	Suspend(agentID, reason string) (*registry.Orphan, error)
}

// Archiver 接收已结束任务的最终快照。
type Archiver interface {
	ArchiveJob(ctx context.Context, job *Job) error
}

// Scheduler 在内存中维护任务并驱动其状态机。
type Scheduler struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	seq  uint64

	agents     AgentDirectory
	verifier   verify.Verifier
	settlement escrow.Settlement
	alerter    alerting.Dispatcher
	clock      clock.Clock
	logger     *slog.Logger

	jobTimeout   time.Duration
	maxRetries   int
	disputeGrace time.Duration
	walletCheck  func(string) bool
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithClock 指定时钟来源。
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock.OrSystem(c)
	}
}

// WithVerifier 配置结果校验器。
func WithVerifier(v verify.Verifier) Option {
	return func(s *Scheduler) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithSettlement 配置托管结算协作方。
func WithSettlement(settlement escrow.Settlement) Option {
	return func(s *Scheduler) {
		s.settlement = settlement
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Scheduler) {
		s.alerter = dispatcher
	}
}

// WithJobTimeout 设置任务执行期限。
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// WithMaxRetries 设置默认重试上限。
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithDisputeGrace 设置完成后可发起争议的时间窗口。
func WithDisputeGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.disputeGrace = d
		}
	}
}

// WithWalletCheck 要求结算前校验 Agent 钱包地址。
func WithWalletCheck(valid func(string) bool) Option {
	return func(s *Scheduler) {
		s.walletCheck = valid
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 创建 Scheduler。
func New(agents AgentDirectory, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:         make(map[string]*Job),
		agents:       agents,
		verifier:     verify.AcceptAll{},
		clock:        clock.System{},
		jobTimeout:   5 * time.Minute,
		maxRetries:   3,
		disputeGrace: 24 * time.Hour,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("scheduler")
	}
	return s
}

// Submit 创建待分配任务。显式指定的 ID 已存在时返回已有任务。
func (s *Scheduler) Submit(_ context.Context, spec Spec) (*Job, error) {
	required := registry.ParseCapabilities(spec.Requirements)
	if len(required) == 0 {
		return nil, xerrors.New(CodeJobValidation, "任务必须声明至少一项能力要求")
	}
	if unknown := required.Unknown(); len(unknown) > 0 {
		return nil, xerrors.Newf(CodeJobValidation, "未知的能力要求: %v", unknown)
	}
	payload := strings.TrimSpace(spec.Payload)
	if payload == "" {
		return nil, xerrors.New(CodeJobValidation, "payload 不能为空")
	}
	if spec.Escrow < 0 {
		return nil, xerrors.New(CodeJobValidation, "托管金额不能为负数")
	}
	if spec.MaxRetries < 0 {
		return nil, xerrors.New(CodeJobValidation, "重试上限不能为负数")
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	maxRetries := spec.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.maxRetries
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[id]; ok {
		return cloneJob(existing), nil
	}
	s.seq++
	job := &Job{
		ID:           id,
		Requirements: required,
		Payload:      payload,
		Status:       StatusPending,
		CreatedAt:    now,
		MaxRetries:   maxRetries,
		Escrow:       spec.Escrow,
		EscrowState:  EscrowHeld,
		Seq:          s.seq,
	}
	if len(spec.Metadata) > 0 {
		job.Metadata = make(map[string]string, len(spec.Metadata))
		for k, v := range spec.Metadata {
			job.Metadata[k] = v
		}
	}
	s.jobs[id] = job
	s.logger.Info("任务已提交",
		slog.String("job_id", id),
		slog.String("requirements", required.Key()),
		slog.Int64("escrow", spec.Escrow),
	)
	return cloneJob(job), nil
}

// Get 返回任务快照。
func (s *Scheduler) Get(jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, xerrors.Newf(CodeJobNotFound, "任务 %s 不存在", jobID)
	}
	return cloneJob(job), nil
}

// List 返回符合条件的任务快照。
func (s *Scheduler) List(opts ...ListOption) []*Job {
	options := buildListOptions(opts)
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if options.matches(job) {
			matched = append(matched, job)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if options.Order == SortByCreatedDesc {
			return matched[i].Seq > matched[j].Seq
		}
		return matched[i].Seq < matched[j].Seq
	})
	if options.Offset >= len(matched) {
		return []*Job{}
	}
	matched = matched[options.Offset:]
	if len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	out := make([]*Job, 0, len(matched))
	for _, job := range matched {
		out = append(out, cloneJob(job))
	}
	return out
}

// Stats 返回任务统计。
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats Stats
	for _, job := range s.jobs {
		stats.add(job)
	}
	return stats
}

// View 在调度器读锁内调用 fn，fn 可以读取 Registry，但不得调用调度器方法。
// 用于构造任务与 Agent 一致的快照。
func (s *Scheduler) View(fn func(jobs []*Job)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	sortBySeq(jobs)
	fn(jobs)
}

func sortBySeq(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })
}

func (s *Scheduler) lookupLocked(jobID string) (*Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, xerrors.Newf(CodeJobNotFound, "任务 %s 不存在", jobID)
	}
	return job, nil
}

func (s *Scheduler) emit(ctx context.Context, events []alerting.Event) {
	if s.alerter == nil {
		return
	}
	for _, event := range events {
		if err := s.alerter.Notify(ctx, event); err != nil {
			s.logger.Warn("告警发送失败", slog.String("job_id", event.JobID), slog.Any("error", err))
		}
	}
}
