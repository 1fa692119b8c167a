// Package tracing is a thin wrapper around OpenTelemetry. Runs and process lifetimes are
// recorded as spans and written by the stdout exporter, to a file or to any writer.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentation = "github.com/me/xvsched"

// Provider owns a tracer provider and whatever its exporter writes to.
type Provider struct {
	tp     trace.TracerProvider
	sdk    *sdktrace.TracerProvider
	closer io.Closer
}

// Noop returns a provider whose spans are discarded.
func Noop() *Provider {
	return &Provider{tp: noop.NewTracerProvider()}
}

// Open configures a stdout exporter. An empty outputFile disables tracing; "-" writes to
// stdout; anything else is created as a file.
func Open(serviceName, serviceVersion, outputFile string) (*Provider, error) {
	switch outputFile {
	case "":
		return Noop(), nil
	case "-":
		return New(serviceName, serviceVersion, os.Stdout)
	}
	f, err := os.Create(outputFile)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	p, err := New(serviceName, serviceVersion, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.closer = f
	return p, nil
}

// New builds a provider exporting synchronously to w.
func New(serviceName, serviceVersion string, w io.Writer) (*Provider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("stdout exporter: %w", err)
	}
	return NewWithExporter(serviceName, serviceVersion, exporter)
}

// NewWithExporter builds a provider around any span exporter.
func NewWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) (*Provider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	return &Provider{tp: tp, sdk: tp}, nil
}

// Tracer returns the tracer handed to the kernel.
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(instrumentation)
}

// StartRun opens the root span of a workload run.
func (p *Provider) StartRun(ctx context.Context, runID, workload string) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, "run "+workload,
		trace.WithAttributes(attribute.String("run.id", runID), attribute.String("workload", workload)))
}

// EndSpan records err, if any, and ends sp.
func EndSpan(sp trace.Span, err error) {
	if err != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, err.Error())
	} else {
		sp.SetStatus(codes.Ok, "")
	}
	sp.End()
}

// Shutdown flushes pending spans and closes the output file.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	if p.sdk != nil {
		err = p.sdk.Shutdown(ctx)
	}
	if p.closer != nil {
		if cerr := p.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
