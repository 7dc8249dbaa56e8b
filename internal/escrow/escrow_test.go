package escrow

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"

	xerrors "AgentFleet/internal/errors"
)

func TestLedgerReleaseIsIdempotentPerDispute(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger()
	if err := ledger.Freeze(ctx, "job-1", 100); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := ledger.Freeze(ctx, "job-1", 999); err != nil {
		t.Fatalf("repeat freeze: %v", err)
	}
	if amount, ok := ledger.Frozen("job-1"); !ok || amount != 100 {
		t.Fatalf("unexpected frozen amount: %d %v", amount, ok)
	}

	d := Disposition{Kind: KindReleaseToAgent, JobID: "job-1", AgentID: "agent-1", Amount: 100}
	for i := 0; i < 2; i++ {
		if err := ledger.Release(ctx, "dispute-1", d); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	if got := ledger.Balance("agent-1"); got != 100 {
		t.Fatalf("agent should be paid once, got %d", got)
	}
	if _, ok := ledger.Frozen("job-1"); ok {
		t.Fatalf("funds should no longer be frozen")
	}
}

func TestLedgerRefund(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger()
	_ = ledger.Freeze(ctx, "job-2", 40)
	if err := ledger.Release(ctx, "dispute-2", Disposition{Kind: KindRefundRequester, JobID: "job-2", AgentID: "agent-1"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ledger.Refunded() != 40 || ledger.Balance("agent-1") != 0 {
		t.Fatalf("unexpected balances: refunded=%d agent=%d", ledger.Refunded(), ledger.Balance("agent-1"))
	}
}

type flakySettlement struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (f *flakySettlement) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return stdErrors.New("escrow unavailable")
	}
	f.calls = append(f.calls, op)
	return nil
}

func (f *flakySettlement) Settle(context.Context, string, int64) error { return f.record("settle") }

func (f *flakySettlement) Freeze(context.Context, string, int64) error { return f.record("freeze") }

func (f *flakySettlement) Release(context.Context, string, Disposition) error {
	return f.record("release")
}

func TestOutboxDefersAndReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	inner := &flakySettlement{failures: 1}
	outbox := NewOutbox(inner)

	err := outbox.Freeze(ctx, "job-1", 10)
	if !stdErrors.Is(err, xerrors.New(CodeEscrowDeferred, "")) {
		t.Fatalf("expected deferred error, got %v", err)
	}
	err = outbox.Release(ctx, "dispute-1", Disposition{Kind: KindRefundRequester, JobID: "job-1"})
	if !xerrors.RetryableError(err) {
		t.Fatalf("deferred errors must be retryable: %v", err)
	}
	if outbox.Pending() != 2 {
		t.Fatalf("expected 2 pending ops, got %d", outbox.Pending())
	}

	if remaining := outbox.Flush(ctx); remaining != 0 {
		t.Fatalf("expected outbox drained, %d remaining", remaining)
	}
	if len(inner.calls) != 2 || inner.calls[0] != "freeze" || inner.calls[1] != "release" {
		t.Fatalf("ops replayed out of order: %v", inner.calls)
	}
}

func TestOutboxHoldsReleaseBehindFailedFreeze(t *testing.T) {
	ctx := context.Background()
	inner := &flakySettlement{failures: 2}
	outbox := NewOutbox(inner)
	_ = outbox.Freeze(ctx, "job-1", 10)
	_ = outbox.Release(ctx, "dispute-1", Disposition{Kind: KindReleaseToAgent, JobID: "job-1", AgentID: "a"})

	inner.mu.Lock()
	inner.failures = 1
	inner.mu.Unlock()
	if remaining := outbox.Flush(ctx); remaining != 2 {
		t.Fatalf("release must wait for freeze, remaining=%d", remaining)
	}
	if len(inner.calls) != 0 {
		t.Fatalf("no op should have succeeded: %v", inner.calls)
	}
	if remaining := outbox.Flush(ctx); remaining != 0 {
		t.Fatalf("second flush should drain, remaining=%d", remaining)
	}
}

func TestOutboxQueuesReleaseBehindPendingFreeze(t *testing.T) {
	ctx := context.Background()
	inner := &flakySettlement{failures: 1}
	outbox := NewOutbox(inner)

	if err := outbox.Freeze(ctx, "job-1", 10); !stdErrors.Is(err, xerrors.New(CodeEscrowDeferred, "")) {
		t.Fatalf("expected deferred freeze, got %v", err)
	}
	err := outbox.Release(ctx, "dispute-1", Disposition{Kind: KindReleaseToAgent, JobID: "job-1", AgentID: "a"})
	if !stdErrors.Is(err, xerrors.New(CodeEscrowDeferred, "")) {
		t.Fatalf("release must queue behind the pending freeze, got %v", err)
	}
	if len(inner.calls) != 0 {
		t.Fatalf("release reached the settlement service early: %v", inner.calls)
	}

	if err := outbox.Settle(ctx, "agent-2", 5); err != nil {
		t.Fatalf("unrelated scope should pass through: %v", err)
	}

	if remaining := outbox.Flush(ctx); remaining != 0 {
		t.Fatalf("expected outbox drained, %d remaining", remaining)
	}
	want := []string{"settle", "freeze", "release"}
	if len(inner.calls) != len(want) {
		t.Fatalf("unexpected calls: %v", inner.calls)
	}
	for i := range want {
		if inner.calls[i] != want[i] {
			t.Fatalf("unexpected calls: %v", inner.calls)
		}
	}
}

func TestOutboxReleaseWithLedgerDoesNotRefreeze(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger()
	gate := &gatedSettlement{Settlement: ledger, failFreeze: 1}
	outbox := NewOutbox(gate)

	_ = outbox.Freeze(ctx, "job-1", 100)
	_ = outbox.Release(ctx, "dispute-1", Disposition{Kind: KindReleaseToAgent, JobID: "job-1", AgentID: "a", Amount: 100})
	outbox.Flush(ctx)

	if got := ledger.Balance("a"); got != 100 {
		t.Fatalf("agent should be paid once, got %d", got)
	}
	if _, ok := ledger.Frozen("job-1"); ok {
		t.Fatalf("released funds must not be frozen again")
	}
}

type gatedSettlement struct {
	Settlement
	failFreeze int
}

func (g *gatedSettlement) Freeze(ctx context.Context, jobID string, amount int64) error {
	if g.failFreeze > 0 {
		g.failFreeze--
		return stdErrors.New("escrow unavailable")
	}
	return g.Settlement.Freeze(ctx, jobID, amount)
}
