package hl7

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/conduit-hie/conduit/pkg/config"
	"github.com/conduit-hie/conduit/pkg/envelope"
)

func adtEnvelope(raw string) envelope.Envelope {
	env := envelope.New("hl7.in", envelope.NewSessionID(), "ADT^A01")
	env.BodyClassName = "hl7.Message"
	env.Payload = envelope.NewPayload([]byte(raw), "application/hl7-v2", "UTF-8", "ADT_A01", "urn:hl7-org:v2", Properties)
	return env
}

func TestRouterFirstMatchWins(t *testing.T) {
	adtSink := newSinkTarget("hl7.out.adt")
	anySink := newSinkTarget("hl7.out.any")
	b, _ := newTestBroker(adtSink, anySink)

	r, err := NewRouter(RouterOptions{
		Name:   "hl7.router",
		Broker: b,
		Rules: []config.RoutingRule{
			{Name: "adt", Condition: `{MSH-9.1} = "ADT"`, Action: config.ActionSend, Target: "hl7.out.adt"},
			{Name: "catchall", Condition: ``, Action: config.ActionSend, Target: "hl7.out.any"},
		},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	env := adtEnvelope(sampleADT)
	if _, err := r.Process(context.Background(), env); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := len(adtSink.received()); got != 1 {
		t.Fatalf("adt sink received %d envelopes, want 1", got)
	}
	if got := len(anySink.received()); got != 0 {
		t.Fatalf("catchall sink received %d envelopes, want 0 (first match wins)", got)
	}
	fwd := adtSink.received()[0]
	if fwd.Routing.RouteID != "adt" {
		t.Errorf("route_id = %q, want %q", fwd.Routing.RouteID, "adt")
	}
	if fwd.CausationID != env.MessageID {
		t.Errorf("causation_id = %q, want original message id %q", fwd.CausationID, env.MessageID)
	}
	if fwd.SessionID != env.SessionID {
		t.Errorf("session_id changed across routing: %q != %q", fwd.SessionID, env.SessionID)
	}
	if fwd.MessageID == env.MessageID {
		t.Error("forwarded copy must carry a fresh message id")
	}
}

func TestRouterContinueEvaluatesNextRule(t *testing.T) {
	a := newSinkTarget("out.a")
	c := newSinkTarget("out.b")
	b, _ := newTestBroker(a, c)

	r, err := NewRouter(RouterOptions{
		Name:   "hl7.router",
		Broker: b,
		Rules: []config.RoutingRule{
			{Name: "first", Condition: `{MSH-9.1} = "ADT"`, Action: config.ActionSend, Target: "out.a", Continue: true},
			{Name: "second", Condition: `{MSH-9.2} = "A01"`, Action: config.ActionSend, Target: "out.b"},
		},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if _, err := r.Process(context.Background(), adtEnvelope(sampleADT)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(a.received()) != 1 || len(c.received()) != 1 {
		t.Fatalf("fan-out with continue: got %d/%d, want 1/1", len(a.received()), len(c.received()))
	}
}

func TestRouterDeleteDropsWithTag(t *testing.T) {
	sink := newSinkTarget("out.a")
	b, _ := newTestBroker(sink)

	r, err := NewRouter(RouterOptions{
		Name:   "hl7.router",
		Broker: b,
		Rules: []config.RoutingRule{
			{Name: "drop-oru", Condition: `{MSH-9.1} = "ADT"`, Action: config.ActionDelete},
			{Name: "rest", Condition: ``, Action: config.ActionSend, Target: "out.a"},
		},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	result, err := r.Process(context.Background(), adtEnvelope(sampleADT))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.received()) != 0 {
		t.Fatal("deleted message must not be forwarded")
	}
	found := false
	for _, tag := range result.Tags {
		if tag == "dropped_by_rule" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected dropped_by_rule tag, got %v", result.Tags)
	}
}

func TestRouterStopHaltsEvaluation(t *testing.T) {
	sink := newSinkTarget("out.a")
	b, _ := newTestBroker(sink)

	r, err := NewRouter(RouterOptions{
		Name:   "hl7.router",
		Broker: b,
		Rules: []config.RoutingRule{
			{Name: "halt", Condition: `{MSH-9.1} = "ADT"`, Action: config.ActionStop},
			{Name: "after", Condition: ``, Action: config.ActionSend, Target: "out.a"},
		},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if _, err := r.Process(context.Background(), adtEnvelope(sampleADT)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.received()) != 0 {
		t.Fatal("stop must halt rule evaluation")
	}
}

func TestRouterTransformAppliesBeforeSend(t *testing.T) {
	sink := newSinkTarget("out.a")
	b, _ := newTestBroker(sink)

	upper := func(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
		out := env
		out.Payload = envelope.NewPayload(
			[]byte(strings.ToUpper(string(env.Payload.Raw()))),
			"application/hl7-v2", "UTF-8", env.Payload.SchemaName, env.Payload.SchemaNS, Properties)
		return out, nil
	}
	r, err := NewRouter(RouterOptions{
		Name:       "hl7.router",
		Broker:     b,
		Transforms: map[string]Transform{"to_upper": upper},
		Rules: []config.RoutingRule{
			{Name: "xform", Condition: ``, Action: config.ActionTransform, Transform: "to_upper", Target: "out.a"},
		},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if _, err := r.Process(context.Background(), adtEnvelope("MSH|^~\\&|a|b|c|d|20260101||ADT^A01|x|P|2.4\r")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("received %d envelopes, want 1", len(got))
	}
	if !strings.Contains(string(got[0].Payload.Raw()), "MSH|^~\\&|A|B|C|D") {
		t.Errorf("transform not applied: %q", got[0].Payload.Raw())
	}
}

func TestRouterRejectsUnknownTransformAtConstruction(t *testing.T) {
	b, _ := newTestBroker()
	_, err := NewRouter(RouterOptions{
		Name:   "hl7.router",
		Broker: b,
		Rules: []config.RoutingRule{
			{Name: "bad", Condition: ``, Action: config.ActionTransform, Transform: "nope", Target: "x"},
		},
	})
	if err == nil {
		t.Fatal("expected error for unknown transform")
	}
}

func TestRouterSyncPatternPropagatesDownstreamFailure(t *testing.T) {
	sink := newSinkTarget("out.a")
	b, _ := newTestBroker(sink)

	r, err := NewRouter(RouterOptions{
		Name: "hl7.router",
		Settings: config.HostSettings{
			MessagingPattern: config.PatternSyncReliable,
			MessageTimeoutMS: 100,
		},
		Broker: b,
		Rules: []config.RoutingRule{
			{Name: "adt", Condition: ``, Action: config.ActionSend, Target: "out.a"},
		},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	// Nothing resolves the response slot, so the sync send must time out
	// and Process must surface the failure.
	start := time.Now()
	_, err = r.Process(context.Background(), adtEnvelope(sampleADT))
	if err == nil {
		t.Fatal("expected timeout error from sync routing")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("sync routing did not respect message_timeout")
	}
}
