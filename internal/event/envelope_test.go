package event

import (
	"testing"

	xerrors "AgentFleet/internal/errors"
)

func TestEveryKindHasDecoder(t *testing.T) {
	for _, kind := range Kinds() {
		if _, ok := decoders[kind]; !ok {
			t.Fatalf("kind %s has no decoder", kind)
		}
	}
	if len(decoders) != len(Kinds()) {
		t.Fatalf("decoder table lists kinds outside the closed set")
	}
}

func TestDecodeFillsAgentFromEnvelope(t *testing.T) {
	raw := []byte(`{"id":"evt-1","type":"job_progress","agent_id":"agent-1","payload":{"job_id":"job-1","percent":40}}`)
	env, cmd, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	progress, ok := cmd.(Progress)
	if !ok {
		t.Fatalf("unexpected command type %T", cmd)
	}
	if env.ID != "evt-1" || progress.AgentID != "agent-1" || progress.JobID != "job-1" || progress.Percent != 40 {
		t.Fatalf("unexpected decoded command: %+v", progress)
	}
	if progress.RoutingKey() != "agent-1" {
		t.Fatalf("agent events must route by agent id")
	}
}

func TestDecodeRejectsMismatchedAgent(t *testing.T) {
	raw := []byte(`{"id":"evt-2","type":"heartbeat","agent_id":"agent-1","payload":{"agent_id":"agent-2"}}`)
	if _, _, err := Decode(raw); xerrors.CodeOf(err) != CodeMalformedEnvelope {
		t.Fatalf("expected malformed envelope, got %v", err)
	}
}

func TestDecodeRejectsUnknownTypeAndMissingAgent(t *testing.T) {
	if _, _, err := Decode([]byte(`{"id":"x","type":"teleport","payload":{}}`)); xerrors.ClassOf(err) != xerrors.ClassValidation {
		t.Fatalf("unknown type should be a validation error, got %v", err)
	}
	if _, _, err := Decode([]byte(`{"id":"x","type":"job_complete","payload":{"job_id":"j"}}`)); err == nil {
		t.Fatalf("agent events without agent id must be rejected")
	}
	if _, _, err := Decode([]byte(`not json`)); xerrors.CodeOf(err) != CodeMalformedEnvelope {
		t.Fatalf("garbage should be malformed, got %v", err)
	}
}

func TestNewEnvelopeCarriesAgent(t *testing.T) {
	hb := Heartbeat{Origin: Origin{AgentID: "agent-9"}, Capabilities: []string{"relay"}}
	env, err := NewEnvelope(hb)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.ID == "" || env.Type != KindHeartbeat || env.AgentID != "agent-9" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	body, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, cmd, err := Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := cmd.(Heartbeat); got.AgentID != "agent-9" || len(got.Capabilities) != 1 {
		t.Fatalf("unexpected heartbeat: %+v", got)
	}
}
