package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"AgentFleet/internal/notify"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/scheduler"
)

// Run 启动分配、巡检与维护循环，阻塞直到 ctx 结束。
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		wake     <-chan struct{}
		pass     func(context.Context)
	}{
		{"assign", c.settings.AssignInterval, c.wake, func(ctx context.Context) { c.AssignOnce(ctx) }},
		{"sweep", c.settings.SweepInterval, nil, func(ctx context.Context) { c.SweepOnce(ctx) }},
		{"maintenance", c.settings.MaintenanceInterval, nil, c.MaintainOnce},
	}
	for _, loop := range loops {
		loop := loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx, loop.name, loop.interval, loop.wake, loop.pass)
		}()
	}
	c.logger.Info("调度核心已启动",
		slog.Duration("assign_interval", c.settings.AssignInterval),
		slog.Duration("sweep_interval", c.settings.SweepInterval),
		slog.Duration("maintenance_interval", c.settings.MaintenanceInterval),
	)
	wg.Wait()
	c.logger.Info("调度核心已停止")
	return nil
}

// loop 周期执行 pass；wake 非空时收到信号也会立即执行一次。
func (c *Coordinator) loop(ctx context.Context, name string, interval time.Duration, wake <-chan struct{}, pass func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		start := time.Now()
		pass(ctx)
		c.metrics.ObservePass(name, time.Since(start))
	}
}

// AssignOnce 执行一次分配并通知被选中的 Agent。
func (c *Coordinator) AssignOnce(ctx context.Context) []scheduler.Assignment {
	assignments := c.scheduler.AssignPending(ctx)
	c.metrics.ObserveAssignments(len(assignments))
	for _, a := range assignments {
		c.notify(ctx, notify.Message{
			Kind:    notify.KindJobAssigned,
			AgentID: a.AgentID,
			JobID:   a.JobID,
			Body:    a,
		})
	}
	return assignments
}

// SweepOnce 回收失联 Agent 持有的任务与超时任务。
func (c *Coordinator) SweepOnce(ctx context.Context) []scheduler.Recovery {
	recoveries := c.scheduler.SweepLiveness(ctx, c.settings.HeartbeatTimeout)
	recoveries = append(recoveries, c.scheduler.SweepDeadlines(ctx)...)
	requeued := false
	for _, rec := range recoveries {
		c.afterRecovery(ctx, rec)
		if !rec.Failed {
			requeued = true
		}
	}
	if requeued {
		c.Wake()
	}
	return recoveries
}

// MaintainOnce 重放托管操作、结算到期任务、归档终态记录并刷新指标。
func (c *Coordinator) MaintainOnce(ctx context.Context) {
	if remaining := c.outbox.Flush(ctx); remaining > 0 {
		c.logger.Info("托管操作仍待重试", slog.Int("remaining", remaining))
	}

	report := c.scheduler.SettleMatured(ctx)
	c.metrics.ObserveSettlements(report.Settled, report.Refunded, report.Deferred)

	if c.archiver != nil {
		retention := c.settings.ArchiveRetention
		if n, err := c.scheduler.Archive(ctx, c.archiver, retention); err != nil {
			c.logger.Warn("任务归档未完成", slog.Int("archived", n), slog.Any("error", err))
		}
		if n, err := c.arbiter.Archive(ctx, c.archiver, retention); err != nil {
			c.logger.Warn("争议归档未完成", slog.Int("archived", n), slog.Any("error", err))
		}
	}

	c.refreshGauges()
}

func (c *Coordinator) afterRecovery(ctx context.Context, rec scheduler.Recovery) {
	c.metrics.ObserveRecovery(rec.Reason, rec.Failed)
	c.notify(ctx, notify.Message{
		Kind:    notify.KindJobRecovered,
		AgentID: rec.AgentID,
		JobID:   rec.JobID,
		Body:    rec,
	})
}

func (c *Coordinator) refreshGauges() {
	if c.metrics == nil {
		return
	}
	agents := c.registry.Stats()
	c.metrics.SetAgents(map[string]int{
		string(registry.StatusOnline):    agents.Online,
		string(registry.StatusBusy):      agents.Busy,
		string(registry.StatusOffline):   agents.Offline,
		string(registry.StatusSuspended): agents.Suspended,
	})
	jobs := c.scheduler.Stats()
	byStatus := make(map[string]int)
	for status, n := range jobs.ByStatus() {
		byStatus[string(status)] = n
	}
	c.metrics.SetJobs(byStatus, jobs.EscrowHeld)
}
