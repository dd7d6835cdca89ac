package o11y

import (
	"context"
	"errors"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

// Providers holds whichever OpenTelemetry providers 'Setup' enabled.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Logger *sdklog.LoggerProvider
}

// Setup enables trace and log export per the environment.
func Setup(ctx context.Context) (*Providers, error) {
	tracer, err := SetupTracing(ctx)
	if err != nil {
		return nil, err
	}
	logger, err := SetupLogs(ctx)
	if err != nil {
		if tracer != nil {
			err = errors.Join(err, tracer.Shutdown(ctx))
		}
		return nil, err
	}
	return &Providers{Tracer: tracer, Logger: logger}, nil
}

// LoggerProvider returns the log provider, or nil when log export is off.
func (p *Providers) LoggerProvider() otellog.LoggerProvider {
	if p == nil || p.Logger == nil {
		return nil
	}
	return p.Logger
}

// Shutdown flushes and stops every enabled provider concurrently.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var g errgroup.Group
	if p.Tracer != nil {
		g.Go(func() error { return p.Tracer.Shutdown(ctx) })
	}
	if p.Logger != nil {
		g.Go(func() error { return p.Logger.Shutdown(ctx) })
	}
	return g.Wait()
}
