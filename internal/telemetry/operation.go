// Package telemetry records trust operations as otel spans: one span per
// operation, one child span per step and an event per state transition.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trustmesh"
)

const (
	TracerName          = "trustmesh"
	TransitionEventName = "trustmesh.transition"

	ContextKeyAttr = "trustmesh.context"
	FromStateAttr  = "trustmesh.state.from"
	ToStateAttr    = "trustmesh.state.to"
)

// Tracer returns the global tracer used when none is injected.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Operation is one traced trust operation.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// Start opens the root span of an operation.
func Start(ctx context.Context, tracer trace.Tracer, name string, key trustmesh.ContextKey) (*Operation, error) {
	if tracer == nil {
		return nil, fmt.Errorf("start operation: tracer is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("start operation: name is required")
	}
	spanCtx, span := tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String(ContextKeyAttr, key.String()),
	))
	return &Operation{ctx: spanCtx, tracer: tracer, span: span}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep runs fn inside a child span named id, usually the wire name of
// the state being stepped.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = o.ctx
	}

	stepCtx, span := o.tracer.Start(ctx, id)
	defer span.End()

	if err := fn(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

// Transition records a state change on the operation span.
func (o *Operation) Transition(from, to string) {
	if o == nil || o.span == nil {
		return
	}
	o.span.AddEvent(TransitionEventName, trace.WithAttributes(
		attribute.String(FromStateAttr, from),
		attribute.String(ToStateAttr, to),
	))
}

func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}
