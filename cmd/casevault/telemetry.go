package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var tracerShutdown func(context.Context) error

// setupTracing installs a global tracer provider that writes spans to stderr
// when --trace is set.
func setupTracing(c *cli.Context) error {
	if !c.Bool("trace") {
		return nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("creating trace exporter: %w", err)
	}
	res, err := resource.New(c.Context, resource.WithAttributes(
		attribute.String("service.name", "casevault"),
	))
	if err != nil {
		return fmt.Errorf("creating trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracerShutdown = tp.Shutdown
	return nil
}

func shutdownTracing(c *cli.Context) error {
	if tracerShutdown == nil {
		return nil
	}
	return tracerShutdown(context.Background())
}
