package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans.
//
// Each event becomes a short-lived span named after event.Msg, carrying
// the instance, workflow, and state identifiers as attributes under the
// "stateflow." namespace, plus every meta entry. A meta "error" value
// marks the span status as error.
//
// Wire it to a configured tracer provider:
//
//	tracer := otel.Tracer("stateflow")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as an immediately-ended span. Events represent
// points in time; durations travel in the "duration_ms" meta entry.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	o.setAttributes(span, event)

	if errVal, ok := event.Meta["error"]; ok {
		msg := fmt.Sprintf("%v", errVal)
		span.SetStatus(codes.Error, msg)
		span.RecordError(fmt.Errorf("%s", msg))
	}
}

// EmitBatch records several events under one context, letting the span
// processor batch the export.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.setAttributes(span, event)
		if errVal, ok := event.Meta["error"]; ok {
			msg := fmt.Sprintf("%v", errVal)
			span.SetStatus(codes.Error, msg)
			span.RecordError(fmt.Errorf("%s", msg))
		}
		span.End()
	}
}

// Flush forces export of pending spans when the installed tracer
// provider supports it. Call before shutdown.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) setAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("stateflow.instance_id", event.InstanceID),
		attribute.String("stateflow.workflow_id", event.WorkflowID),
		attribute.String("stateflow.state_id", event.StateID),
	)
	if event.EventID != "" {
		span.SetAttributes(attribute.String("stateflow.event_id", event.EventID))
	}

	for key, value := range event.Meta {
		attrKey := "stateflow." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
