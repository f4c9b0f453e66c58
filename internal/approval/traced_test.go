package approval

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/model"
)

func installTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func spanAttr(span tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracedStore_ActSpans(t *testing.T) {
	exporter := installTestTracer(t)
	svc := newTestService(t, NewMemoryStore())
	req := createTwoStep(t, svc)
	exporter.Reset()

	if _, err := svc.Approve(context.Background(), "A", req.ID); err != nil {
		t.Fatalf("Approve error: %v", err)
	}

	spans := exporter.GetSpans()
	byName := make(map[string]tracetest.SpanStub, len(spans))
	for _, s := range spans {
		byName[s.Name] = s
	}

	root, ok := byName["approval.act"]
	if !ok {
		t.Fatalf("approval.act span missing, got %d spans", len(spans))
	}
	if v, ok := spanAttr(root, observability.AttrOutcome); !ok || v.AsString() != "advanced" {
		t.Errorf("outcome attribute = %v, want advanced", v.AsString())
	}

	for name, op := range map[string]string{
		"store.get":        "get",
		"store.update":     "update",
		"store.append_log": "append_log",
	} {
		span, ok := byName[name]
		if !ok {
			t.Errorf("%s span missing", name)
			continue
		}
		if v, _ := spanAttr(span, observability.AttrStoreOp); v.AsString() != op {
			t.Errorf("%s store_op = %q, want %q", name, v.AsString(), op)
		}
		if v, _ := spanAttr(span, observability.AttrApprovalID); v.AsString() != req.ID {
			t.Errorf("%s approval_id = %q, want %q", name, v.AsString(), req.ID)
		}
		if span.Parent.SpanID() != root.SpanContext.SpanID() {
			t.Errorf("%s should be a child of approval.act", name)
		}
	}
}

func TestTracedStore_RecordsStoreErrors(t *testing.T) {
	exporter := installTestTracer(t)
	svc := newTestService(t, NewMemoryStore())

	_, err := svc.Approve(context.Background(), "A", "missing")
	if model.CodeOf(err) != model.ErrNotFound {
		t.Fatalf("code = %s, want NOT_FOUND", model.CodeOf(err))
	}

	for _, s := range exporter.GetSpans() {
		if s.Name == "store.get" {
			if len(s.Events) == 0 {
				t.Error("store.get should record the error")
			}
			return
		}
	}
	t.Error("store.get span missing")
}
