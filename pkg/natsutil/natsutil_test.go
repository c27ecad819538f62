package natsutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func startTestNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func connectTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv := startTestNATS(t)
	nc, err := Connect(srv.ClientURL(), "natsutil-test", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)
	return nc
}

type alertEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
	DTC  string `json:"dtc"`
}

func TestNatsHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)

	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("expected nil keys, got %v", keys)
	}

	carrier.Set("traceparent", "00-abc-def-01")
	carrier.Set("traceparent", "00-abc-def-02")
	if got := carrier.Get("traceparent"); got != "00-abc-def-02" {
		t.Fatalf("expected overwritten traceparent, got %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestPublishSubscribe(t *testing.T) {
	nc := connectTestNATS(t)

	ch := make(chan alertEvent, 1)
	sub, err := Subscribe(nc, "test.alert", func(_ context.Context, e alertEvent) { ch <- e })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	want := alertEvent{From: "nominal", To: "critical", DTC: "P0217"}
	if err := Publish(context.Background(), nc, "test.alert", want); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected %+v, got %+v", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestSubscribeDropsMalformed(t *testing.T) {
	nc := connectTestNATS(t)

	called := make(chan struct{}, 1)
	sub, err := Subscribe(nc, "test.malformed", func(context.Context, alertEvent) { called <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	nc.Publish("test.malformed", []byte("{bad"))
	nc.Flush()

	select {
	case <-called:
		t.Fatal("handler should not be called for malformed data")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishPropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	nc := connectTestNATS(t)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	got := make(chan trace.SpanContext, 1)
	sub, err := Subscribe(nc, "test.trace", func(ctx context.Context, _ alertEvent) {
		got <- trace.SpanContextFromContext(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(ctx, nc, "test.trace", alertEvent{}); err != nil {
		t.Fatal(err)
	}
	select {
	case remote := <-got:
		if remote.TraceID() != traceID || !remote.IsRemote() {
			t.Fatalf("trace context not propagated: %+v", remote)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestPublisherEmit(t *testing.T) {
	nc := connectTestNATS(t)
	p := NewPublisher(nc, "autosync.session.abc")

	if got := p.Subject("alert"); got != "autosync.session.abc.alert" {
		t.Fatalf("unexpected subject %s", got)
	}

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("autosync.session.abc.>", ch)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := p.Emit(context.Background(), "alert", alertEvent{To: "critical"}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-ch:
		if msg.Subject != "autosync.session.abc.alert" {
			t.Fatalf("unexpected subject %s", msg.Subject)
		}
		var e alertEvent
		if err := json.Unmarshal(msg.Data, &e); err != nil || e.To != "critical" {
			t.Fatalf("unexpected payload %s (%v)", msg.Data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPublisherEmitAfterClose(t *testing.T) {
	nc := connectTestNATS(t)
	p := NewPublisher(nc, "autosync")
	nc.Close()
	if err := p.Emit(context.Background(), "sample", alertEvent{}); err == nil {
		t.Fatal("expected error on closed connection")
	}
}

func TestConnectFailure(t *testing.T) {
	if _, err := Connect("nats://127.0.0.1:1", "x", nil); err == nil {
		t.Fatal("expected connect error")
	}
}
