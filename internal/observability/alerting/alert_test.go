package alerting

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	xerrors "AgentFleet/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "broken" }

func (failingNotifier) Notify(context.Context, Event) error { return stdErrors.New("offline") }

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	rec := &Recorder{}
	fanout := NewFanout(rec, LogNotifier{}, failingNotifier{}, nil)

	err := fanout.Notify(context.Background(), Event{Code: "TEST", Message: "retries exhausted", JobID: "job-1"})
	if err == nil {
		t.Fatalf("expected joined error from failing channel")
	}
	events := rec.Events()
	if len(events) != 1 || events[0].JobID != "job-1" {
		t.Fatalf("recorder did not receive event: %+v", events)
	}
}

func TestFromErrorCopiesCodedAttributes(t *testing.T) {
	err := xerrors.New(xerrors.CodeStorageFailure, "archive down", xerrors.WithMetadata("table", "fleet_jobs_archive"))
	now := time.Unix(1700000000, 0)

	event := FromError(err, now)
	if event.Code != xerrors.CodeStorageFailure || event.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Message != "archive down" || event.Metadata["table"] != "fleet_jobs_archive" {
		t.Fatalf("unexpected message or metadata: %+v", event)
	}
	if !event.OccurredAt.Equal(now) {
		t.Fatalf("occurred at not preserved")
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var d *FanoutDispatcher
	if err := d.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a noop: %v", err)
	}
}
