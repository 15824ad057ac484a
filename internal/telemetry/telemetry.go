// Package telemetry builds and registers the process-wide
// go.opentelemetry.io/otel TracerProvider. Without it, otel.Tracer(...)
// calls throughout the runtime (session.Connect, forwarder.Forward,
// task.Unit.Execute, sched.Scheduler.Submit) silently resolve to the
// package's no-op tracer and produce no spans.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Provider wraps the registered TracerProvider so callers can flush and
// shut it down cleanly at process exit.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init builds a TracerProvider tagged with serviceName and installs it
// as the global provider via otel.SetTracerProvider. No exporter is
// attached: spans are sampled and propagated through context exactly as
// a wired collector would see them, they are just not shipped anywhere
// yet — swap in a batcher (jaeger, otlp) here when one is needed.
func Init(serviceName string) *Provider {
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", serviceName),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}
}

// Shutdown flushes and releases the underlying TracerProvider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
