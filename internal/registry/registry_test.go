package registry

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"AgentFleet/internal/clock"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	return New(append([]Option{WithClock(clk)}, opts...)...), clk
}

func heartbeat(id string, caps ...Capability) Heartbeat {
	return Heartbeat{AgentID: id, Capabilities: NewCapabilitySet(caps...)}
}

func TestRegisterHeartbeatUpsert(t *testing.T) {
	reg, clk := newTestRegistry(t)
	ctx := context.Background()

	agent, available, err := reg.RegisterHeartbeat(ctx, heartbeat("a1", CapabilityRelay))
	if err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	if !available || agent.Status != StatusOnline || agent.Reputation != 1.0 {
		t.Fatalf("unexpected agent after first heartbeat: %+v available=%v", agent, available)
	}

	clk.Advance(5 * time.Second)
	hb := heartbeat("a1", CapabilityRelay, CapabilityCompute)
	hb.Metrics = Metrics{BytesRelayed: 1024, SecondsActive: 5}
	agent, available, err = reg.RegisterHeartbeat(ctx, hb)
	if err != nil {
		t.Fatalf("repeat heartbeat: %v", err)
	}
	if available {
		t.Fatalf("already available agent should not signal availability again")
	}
	if !agent.Capabilities.Covers(NewCapabilitySet(CapabilityCompute)) {
		t.Fatalf("capabilities not updated: %v", agent.CapabilityList)
	}
	if agent.Metrics.BytesRelayed != 1024 || !agent.LastHeartbeat.Equal(clk.Now()) {
		t.Fatalf("metrics or heartbeat not refreshed: %+v", agent)
	}
	if stats := reg.Stats(); stats.Total != 1 || stats.Online != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRegisterHeartbeatValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, _, err := reg.RegisterHeartbeat(ctx, heartbeat(" ")); !stdErrors.Is(err, ErrAgentValidation) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}
	if _, _, err := reg.RegisterHeartbeat(ctx, heartbeat("a1", "teleport")); !stdErrors.Is(err, ErrAgentValidation) {
		t.Fatalf("expected validation error for unknown capability, got %v", err)
	}
	hb := heartbeat("a1", CapabilityRelay)
	hb.Limits.MaxCPUPercent = 150
	if _, _, err := reg.RegisterHeartbeat(ctx, hb); !stdErrors.Is(err, ErrAgentValidation) {
		t.Fatalf("expected validation error for limits, got %v", err)
	}
	if reg.Stats().Total != 0 {
		t.Fatalf("rejected heartbeats must not create agents")
	}
}

func TestHeartbeatDoesNotOverrideBusyOrSuspended(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	mustHeartbeat(t, reg, heartbeat("busy", CapabilityRelay))
	mustHeartbeat(t, reg, heartbeat("sus", CapabilityRelay))

	if err := reg.MarkBusy("busy", "job-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}
	if _, err := reg.Suspend("sus", "fraud"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	agent, _, _ := reg.RegisterHeartbeat(ctx, heartbeat("busy", CapabilityRelay))
	if agent.Status != StatusBusy || agent.JobID != "job-1" {
		t.Fatalf("heartbeat overrode busy agent: %+v", agent)
	}
	agent, available, _ := reg.RegisterHeartbeat(ctx, heartbeat("sus", CapabilityRelay))
	if agent.Status != StatusSuspended || available {
		t.Fatalf("heartbeat reinstated suspended agent: %+v", agent)
	}
}

func TestListAvailableFiltersAndOrders(t *testing.T) {
	reg, clk := newTestRegistry(t)
	mustHeartbeat(t, reg, heartbeat("relay-only", CapabilityRelay))
	mustHeartbeat(t, reg, heartbeat("full", CapabilityRelay, CapabilityCompute))
	mustHeartbeat(t, reg, heartbeat("busy", CapabilityRelay, CapabilityCompute))
	mustHeartbeat(t, reg, heartbeat("recent", CapabilityRelay, CapabilityCompute))
	mustHeartbeat(t, reg, heartbeat("suspended", CapabilityRelay, CapabilityCompute))

	if err := reg.MarkBusy("busy", "job-b"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}
	clk.Advance(time.Second)
	if err := reg.MarkBusy("recent", "job-r"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}
	if err := reg.MarkIdle("recent", "job-r"); err != nil {
		t.Fatalf("mark idle: %v", err)
	}
	if _, err := reg.Suspend("suspended", "test"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	got := reg.ListAvailable(NewCapabilitySet(CapabilityRelay, CapabilityCompute))
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].ID != "full" || got[1].ID != "recent" {
		t.Fatalf("least recently assigned agent should come first: %s, %s", got[0].ID, got[1].ID)
	}

	relay := reg.ListAvailable(NewCapabilitySet(CapabilityRelay))
	if len(relay) != 3 {
		t.Fatalf("expected 3 relay candidates, got %d", len(relay))
	}
}

func TestListAvailableTieBreaksByLoad(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	heavy := heartbeat("a-heavy", CapabilityRelay)
	heavy.Metrics.SecondsActive = 900
	light := heartbeat("z-light", CapabilityRelay)
	light.Metrics.SecondsActive = 10
	if _, _, err := reg.RegisterHeartbeat(ctx, heavy); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, _, err := reg.RegisterHeartbeat(ctx, light); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	got := reg.ListAvailable(NewCapabilitySet(CapabilityRelay))
	if got[0].ID != "z-light" {
		t.Fatalf("lower load should win the tie, got %s", got[0].ID)
	}
}

func TestMarkBusyAndIdleStateConflicts(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mustHeartbeat(t, reg, heartbeat("a1", CapabilityRelay))

	if err := reg.MarkBusy("missing", "job"); !stdErrors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := reg.MarkIdle("a1", "job-1"); !stdErrors.Is(err, ErrAgentState) {
		t.Fatalf("idle agent cannot be marked idle, got %v", err)
	}
	if err := reg.MarkBusy("a1", "job-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}
	if err := reg.MarkBusy("a1", "job-2"); !stdErrors.Is(err, ErrAgentState) {
		t.Fatalf("double booking must fail, got %v", err)
	}
	if err := reg.MarkIdle("a1", "job-2"); !stdErrors.Is(err, ErrAgentState) {
		t.Fatalf("idle with wrong job must fail, got %v", err)
	}
	if err := reg.MarkIdle("a1", "job-1"); err != nil {
		t.Fatalf("mark idle: %v", err)
	}
	agent, _ := reg.Get("a1")
	if agent.Status != StatusOnline || agent.JobID != "" || agent.Assignments != 1 {
		t.Fatalf("unexpected agent: %+v", agent)
	}
}

func TestConcurrentMarkBusySelectsOnce(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mustHeartbeat(t, reg, heartbeat("a1", CapabilityRelay))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reg.MarkBusy("a1", "job"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one successful MarkBusy, got %d", winners)
	}
}

func TestSweepStaleEmitsOrphans(t *testing.T) {
	reg, clk := newTestRegistry(t)
	ctx := context.Background()
	mustHeartbeat(t, reg, heartbeat("holder", CapabilityRelay))
	mustHeartbeat(t, reg, heartbeat("idle", CapabilityRelay))
	mustHeartbeat(t, reg, heartbeat("fresh", CapabilityRelay))
	if err := reg.MarkBusy("holder", "job-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	clk.Advance(20 * time.Second)
	if _, _, err := reg.RegisterHeartbeat(ctx, heartbeat("fresh", CapabilityRelay)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clk.Advance(15 * time.Second)

	orphans := reg.SweepStale(30 * time.Second)
	if len(orphans) != 1 || orphans[0].AgentID != "holder" || orphans[0].JobID != "job-1" {
		t.Fatalf("unexpected orphans: %+v", orphans)
	}
	holder, _ := reg.Get("holder")
	if holder.Status != StatusOffline || holder.JobID != "" {
		t.Fatalf("stale holder not retired: %+v", holder)
	}
	fresh, _ := reg.Get("fresh")
	if fresh.Status != StatusOnline {
		t.Fatalf("fresh agent evicted: %+v", fresh)
	}
	if again := reg.SweepStale(30 * time.Second); len(again) != 0 {
		t.Fatalf("second sweep must not re-emit orphans: %+v", again)
	}

	agent, available, _ := reg.RegisterHeartbeat(ctx, heartbeat("holder", CapabilityRelay))
	if agent.Status != StatusOnline || !available {
		t.Fatalf("heartbeat should bring offline agent back: %+v", agent)
	}
}

func TestPenalizeSuspendsBelowFloor(t *testing.T) {
	reg, _ := newTestRegistry(t, WithReputationFloor(0.5))
	mustHeartbeat(t, reg, heartbeat("a1", CapabilityRelay))
	if err := reg.MarkBusy("a1", "job-9"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	first, err := reg.Penalize("a1", 0.25, "dispute")
	if err != nil {
		t.Fatalf("penalize: %v", err)
	}
	if first.Suspended || first.Agent.Reputation != 0.75 {
		t.Fatalf("unexpected first penalty: %+v", first)
	}

	second, err := reg.Penalize("a1", 0.5, "dispute")
	if err != nil {
		t.Fatalf("penalize: %v", err)
	}
	if !second.Suspended || second.Agent.Status != StatusSuspended {
		t.Fatalf("agent should be suspended below floor: %+v", second.Agent)
	}
	if second.Orphan == nil || second.Orphan.JobID != "job-9" {
		t.Fatalf("held job should be returned as orphan: %+v", second.Orphan)
	}
	if len(reg.ListAvailable(NewCapabilitySet(CapabilityRelay))) != 0 {
		t.Fatalf("suspended agent must not be listed as available")
	}

	if err := reg.Reinstate("a1"); err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if err := reg.Reinstate("a1"); !stdErrors.Is(err, ErrAgentState) {
		t.Fatalf("reinstating an active agent must fail, got %v", err)
	}
	if len(reg.ListAvailable(NewCapabilitySet(CapabilityRelay))) != 1 {
		t.Fatalf("reinstated agent should be available again")
	}
}

func TestCreditEarnings(t *testing.T) {
	reg, _ := newTestRegistry(t)
	mustHeartbeat(t, reg, heartbeat("a1", CapabilityRelay))
	if err := reg.CreditEarnings("a1", 250); err != nil {
		t.Fatalf("credit: %v", err)
	}
	agent, _ := reg.Get("a1")
	if agent.Metrics.Earnings != 250 {
		t.Fatalf("unexpected earnings: %d", agent.Metrics.Earnings)
	}
}

func mustHeartbeat(t *testing.T, reg *Registry, hb Heartbeat) {
	t.Helper()
	if _, _, err := reg.RegisterHeartbeat(context.Background(), hb); err != nil {
		t.Fatalf("heartbeat %s: %v", hb.AgentID, err)
	}
}
