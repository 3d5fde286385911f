// Package otel configures the global OpenTelemetry tracer provider.
package otel

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type Config struct {
	Servicename string
	// Endpoint is the OTLP gRPC collector address. Tracing is disabled when empty.
	Endpoint string
	Insecure bool
	Logger   logr.Logger
}

// Init installs a tracer provider exporting to c.Endpoint. The returned
// function flushes and stops the exporter.
func Init(ctx context.Context, c Config) (context.Context, context.CancelFunc, error) {
	log := c.Logger.WithName("otel")

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		log.Error(err, "opentelemetry error")
	}))

	if c.Endpoint == "" {
		log.V(1).Info("no otel endpoint configured, tracing disabled")
		return ctx, func() {}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.Endpoint)}
	if c.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", c.Servicename))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info("tracing enabled", "endpoint", c.Endpoint, "insecure", c.Insecure)

	shutdown := func() {
		// ctx is usually cancelled by the time we get here.
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Error(err, "failed to shut down tracer provider")
		}
	}
	return ctx, shutdown, nil
}
