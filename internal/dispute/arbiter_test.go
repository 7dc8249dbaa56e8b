package dispute

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"AgentFleet/internal/clock"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/escrow"
	"AgentFleet/internal/observability/alerting"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/scheduler"
)

type harness struct {
	clock   *clock.Manual
	agents  *registry.Registry
	jobs    *scheduler.Scheduler
	ledger  *escrow.Ledger
	alerts  *alerting.Recorder
	arbiter *Arbiter
}

func newHarness(t *testing.T, floor float64) *harness {
	t.Helper()
	clk := clock.NewManual(time.Unix(1700000000, 0))
	reg := registry.New(registry.WithClock(clk), registry.WithReputationFloor(floor))
	ledger := escrow.NewLedger()
	rec := &alerting.Recorder{}
	sched := scheduler.New(reg,
		scheduler.WithClock(clk),
		scheduler.WithDisputeGrace(time.Hour),
		scheduler.WithSettlement(ledger),
	)
	arb := New(sched,
		WithClock(clk),
		WithSettlement(escrow.NewOutbox(ledger)),
		WithAlertDispatcher(alerting.NewFanout(rec)),
		WithDefaultPenalty(0.25),
	)
	return &harness{clock: clk, agents: reg, jobs: sched, ledger: ledger, alerts: rec, arbiter: arb}
}

func (h *harness) heartbeat(t *testing.T, agentID string) {
	t.Helper()
	if _, _, err := h.agents.RegisterHeartbeat(context.Background(), registry.Heartbeat{
		AgentID:      agentID,
		Capabilities: registry.NewCapabilitySet(registry.CapabilityRelay),
	}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
}

// completed 让 agentID 执行并完成一个托管 100 的任务。
func (h *harness) completed(t *testing.T, agentID string) *scheduler.Job {
	t.Helper()
	ctx := context.Background()
	h.heartbeat(t, agentID)
	job, err := h.jobs.Submit(ctx, scheduler.Spec{Requirements: []string{"relay"}, Payload: "chunk", Escrow: 100})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := h.jobs.AssignPending(ctx); len(got) != 1 || got[0].AgentID != agentID {
		t.Fatalf("unexpected assignment: %+v", got)
	}
	done, err := h.jobs.ReportCompletion(ctx, agentID, job.ID, scheduler.Result{Reference: "proof"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return done
}

func (h *harness) open(t *testing.T, jobID string) *Dispute {
	t.Helper()
	d, err := h.arbiter.Open(context.Background(), Request{JobID: jobID, RaisedBy: "requester-1", Claim: "bytes missing"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return d
}

func TestOpenFreezesAndResolveForAgentPays(t *testing.T) {
	h := newHarness(t, 0.2)
	ctx := context.Background()
	job := h.completed(t, "agent-1")

	h.clock.Advance(10 * time.Minute)
	d := h.open(t, job.ID)
	if d.Status != StatusOpen || d.AgentID != "agent-1" || d.Escrow != 100 {
		t.Fatalf("unexpected dispute: %+v", d)
	}
	disputed, _ := h.jobs.Get(job.ID)
	if disputed.Status != scheduler.StatusDisputed || disputed.EscrowState != scheduler.EscrowFrozen {
		t.Fatalf("job should be disputed with escrow frozen: %+v", disputed)
	}
	if amount, ok := h.ledger.Frozen(job.ID); !ok || amount != 100 {
		t.Fatalf("ledger should hold frozen funds: %d %v", amount, ok)
	}

	res, err := h.arbiter.Resolve(ctx, d.ID, Decision{Outcome: OutcomeAgent, Note: "proof checks out"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Dispute.Status != StatusResolvedForAgent || res.Dispute.Disposition != escrow.KindReleaseToAgent {
		t.Fatalf("unexpected resolution: %+v", res.Dispute)
	}
	if res.Job.Status != scheduler.StatusResolved || res.Job.AgentID != "" {
		t.Fatalf("job should be resolved: %+v", res.Job)
	}
	agent, _ := h.agents.Get("agent-1")
	if agent.Status == registry.StatusSuspended || agent.Reputation != 1.0 {
		t.Fatalf("agent-favoring decision must not discipline: %+v", agent)
	}
	if h.ledger.Balance("agent-1") != 100 {
		t.Fatalf("escrow should be released to agent: %d", h.ledger.Balance("agent-1"))
	}
}

func TestResolveTwiceIsConflictWithoutMutation(t *testing.T) {
	h := newHarness(t, 0.2)
	ctx := context.Background()
	job := h.completed(t, "agent-1")
	d := h.open(t, job.ID)

	if _, err := h.arbiter.Resolve(ctx, d.ID, Decision{Outcome: OutcomeAgent}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	before, _ := h.arbiter.Get(d.ID)
	releases := h.ledger.Releases()

	h.clock.Advance(time.Minute)
	_, err := h.arbiter.Resolve(ctx, d.ID, Decision{Outcome: OutcomeRequester, Suspend: true})
	if !stdErrors.Is(err, ErrDisputeResolved) || xerrors.ClassOf(err) != xerrors.ClassConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	_, err = h.arbiter.Resolve(ctx, d.ID, Decision{Outcome: OutcomeAgent, Suspend: true})
	if !stdErrors.Is(err, ErrDisputeResolved) {
		t.Fatalf("malformed re-resolution must still be a conflict, got %v", err)
	}
	after, _ := h.arbiter.Get(d.ID)
	if after.Status != before.Status || !after.ResolvedAt.Equal(before.ResolvedAt) || after.Penalty != before.Penalty {
		t.Fatalf("dispute mutated by second resolve: before=%+v after=%+v", before, after)
	}
	if h.ledger.Releases() != releases {
		t.Fatalf("escrow released twice")
	}
	agent, _ := h.agents.Get("agent-1")
	if agent.Status == registry.StatusSuspended {
		t.Fatalf("second resolve must not suspend")
	}
}

func TestOpenOutsideGraceRejected(t *testing.T) {
	h := newHarness(t, 0.2)
	job := h.completed(t, "agent-1")
	h.clock.Advance(2 * time.Hour)

	_, err := h.arbiter.Open(context.Background(), Request{JobID: job.ID, RaisedBy: "r", Claim: "late"})
	if xerrors.CodeOf(err) != scheduler.CodeJobGraceExpired {
		t.Fatalf("expected grace expired, got %v", err)
	}
	if got, _ := h.jobs.Get(job.ID); got.Status != scheduler.StatusCompleted {
		t.Fatalf("job must stay completed, got %s", got.Status)
	}
	if len(h.arbiter.List()) != 0 {
		t.Fatalf("no dispute should be recorded")
	}
}

func TestOpenValidationAndDuplicates(t *testing.T) {
	h := newHarness(t, 0.2)
	ctx := context.Background()
	for _, req := range []Request{
		{RaisedBy: "r", Claim: "c"},
		{JobID: "j", Claim: "c"},
		{JobID: "j", RaisedBy: "r"},
	} {
		if _, err := h.arbiter.Open(ctx, req); xerrors.ClassOf(err) != xerrors.ClassValidation {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
	if _, err := h.arbiter.Open(ctx, Request{JobID: "missing", RaisedBy: "r", Claim: "c"}); !stdErrors.Is(err, scheduler.ErrJobNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}

	job := h.completed(t, "agent-1")
	h.open(t, job.ID)
	if _, err := h.arbiter.Open(ctx, Request{JobID: job.ID, RaisedBy: "r", Claim: "again"}); !stdErrors.Is(err, ErrDisputeExists) {
		t.Fatalf("expected duplicate dispute error, got %v", err)
	}
}

func TestResolveForRequesterPenalizesAndSuspends(t *testing.T) {
	h := newHarness(t, 0.2)
	ctx := context.Background()
	job := h.completed(t, "agent-1")
	d := h.open(t, job.ID)

	// agent-1 正在执行另一个任务，暂停后该任务应被回收。
	other, _ := h.jobs.Submit(ctx, scheduler.Spec{Requirements: []string{"relay"}, Payload: "next"})
	if got := h.jobs.AssignPending(ctx); len(got) != 1 {
		t.Fatalf("expected assignment, got %+v", got)
	}

	res, err := h.arbiter.Resolve(ctx, d.ID, Decision{Outcome: OutcomeRequester, Suspend: true, Note: "no relay proof"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Dispute.Status != StatusResolvedForRequester || !res.Dispute.Suspended || res.Dispute.Penalty != 0.25 {
		t.Fatalf("unexpected dispute: %+v", res.Dispute)
	}
	agent, _ := h.agents.Get("agent-1")
	if agent.Status != registry.StatusSuspended || agent.Reputation != 0.75 {
		t.Fatalf("agent should be penalized and suspended: %+v", agent)
	}
	if len(res.Recoveries) != 1 || res.Recoveries[0].JobID != other.ID {
		t.Fatalf("held job should be recovered: %+v", res.Recoveries)
	}
	if got, _ := h.jobs.Get(other.ID); got.Status != scheduler.StatusPending {
		t.Fatalf("recovered job should be pending, got %s", got.Status)
	}
	if h.ledger.Refunded() != 100 || h.ledger.Balance("agent-1") != 0 {
		t.Fatalf("escrow should be refunded: refunded=%d", h.ledger.Refunded())
	}
	if events := h.alerts.Events(); len(events) != 1 || events[0].Code != registry.CodeAgentSuspended {
		t.Fatalf("expected suspension alert: %+v", events)
	}
}

func TestPenaltyBelowFloorAutoSuspends(t *testing.T) {
	h := newHarness(t, 0.9)
	job := h.completed(t, "agent-1")
	d := h.open(t, job.ID)

	res, err := h.arbiter.Resolve(context.Background(), d.ID, Decision{Outcome: OutcomeRequester})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Dispute.Suspended {
		t.Fatalf("reputation below floor should suspend")
	}
}

func TestReviewThenResolve(t *testing.T) {
	h := newHarness(t, 0.2)
	ctx := context.Background()
	job := h.completed(t, "agent-1")
	d := h.open(t, job.ID)

	reviewed, err := h.arbiter.Review(ctx, d.ID)
	if err != nil || reviewed.Status != StatusUnderReview {
		t.Fatalf("review: %+v %v", reviewed, err)
	}
	if _, err := h.arbiter.Review(ctx, d.ID); xerrors.CodeOf(err) != CodeDisputeState {
		t.Fatalf("second review should conflict, got %v", err)
	}
	if _, err := h.arbiter.Resolve(ctx, d.ID, Decision{Outcome: "maybe"}); xerrors.ClassOf(err) != xerrors.ClassValidation {
		t.Fatalf("unknown outcome should be rejected, got %v", err)
	}
	if _, err := h.arbiter.Resolve(ctx, d.ID, Decision{Outcome: OutcomeAgent, Suspend: true}); xerrors.ClassOf(err) != xerrors.ClassValidation {
		t.Fatalf("agent outcome with suspension should be rejected, got %v", err)
	}
	if _, err := h.arbiter.Resolve(ctx, d.ID, Decision{Outcome: OutcomeAgent}); err != nil {
		t.Fatalf("resolve from review: %v", err)
	}
	if _, err := h.arbiter.Review(ctx, d.ID); !stdErrors.Is(err, ErrDisputeResolved) {
		t.Fatalf("review after resolve should conflict, got %v", err)
	}
	if _, err := h.arbiter.Get("missing"); !stdErrors.Is(err, ErrDisputeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type memoryArchiver struct {
	ids []string
}

func (m *memoryArchiver) ArchiveDispute(_ context.Context, d *Dispute) error {
	m.ids = append(m.ids, d.ID)
	return nil
}

func TestArchiveResolvedDisputes(t *testing.T) {
	h := newHarness(t, 0.2)
	ctx := context.Background()
	first := h.open(t, h.completed(t, "agent-1").ID)
	second := h.open(t, h.completed(t, "agent-2").ID)
	if _, err := h.arbiter.Resolve(ctx, first.ID, Decision{Outcome: OutcomeAgent}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	h.clock.Advance(2 * time.Minute)
	archiver := &memoryArchiver{}
	n, err := h.arbiter.Archive(ctx, archiver, time.Minute)
	if err != nil || n != 1 || archiver.ids[0] != first.ID {
		t.Fatalf("unexpected archive result n=%d err=%v ids=%v", n, err, archiver.ids)
	}
	if _, err := h.arbiter.Get(first.ID); !stdErrors.Is(err, ErrDisputeNotFound) {
		t.Fatalf("archived dispute should be gone")
	}
	if _, err := h.arbiter.Get(second.ID); err != nil {
		t.Fatalf("open dispute must stay: %v", err)
	}
}

func TestSuspensionRequeuesHeldJobTogether(t *testing.T) {
	h := newHarness(t, 0.2)
	ctx := context.Background()
	job := h.completed(t, "agent-1")
	d := h.open(t, job.ID)

	next, err := h.jobs.Submit(ctx, scheduler.Spec{Requirements: []string{"relay"}, Payload: "next", Escrow: 10})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := h.jobs.AssignPending(ctx); len(got) != 1 || got[0].JobID != next.ID {
		t.Fatalf("expected agent-1 to take the next job: %+v", got)
	}

	res, err := h.arbiter.Resolve(ctx, d.ID, Decision{Outcome: OutcomeRequester, Suspend: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Recoveries) != 1 || res.Recoveries[0].JobID != next.ID {
		t.Fatalf("held job should be recovered: %+v", res.Recoveries)
	}
	agent, _ := h.agents.Get("agent-1")
	if agent.Status != registry.StatusSuspended || agent.JobID != "" {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	requeued, _ := h.jobs.Get(next.ID)
	if requeued.Status != scheduler.StatusPending || requeued.AgentID != "" {
		t.Fatalf("held job should be pending: %+v", requeued)
	}
}
