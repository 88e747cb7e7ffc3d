package kairo

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newTracerProvider builds a TracerProvider tagged with this Kairo
// instance's agent name. It does not register it; installTracerProvider
// makes it the global provider so every otel.Tracer(...) call in the package
// (NetworkClient's request spans included) produces real spans instead of
// the default no-op ones. There is
// no span exporter configured: Kairo has no Non-goal-violating telemetry
// backend to ship to, so spans are recorded in-process only, the same
// "no external exporter" stance 99souls-ariadne's OpenTelemetryTracer takes.
func newTracerProvider(agentName string) *sdktrace.TracerProvider {
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", agentName),
	)
	return sdktrace.NewTracerProvider(sdktrace.WithResource(res))
}

// installTracerProvider registers tp as the global provider and returns a
// shutdown func that restores nothing (there is no prior provider worth
// restoring in a single-Kairo-per-process program) but does flush and
// release tp's resources.
func installTracerProvider(tp *sdktrace.TracerProvider) func(context.Context) error {
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
