// Package telemetry sets up logging, tracing, and error reporting for an epix app.
package telemetry

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"pkg.world.dev/epix/pkg/telemetry/sentry"
)

type Telemetry struct {
	Logger      zerolog.Logger
	Tracer      trace.Tracer
	serviceName string

	shutdown func(context.Context) error
}

// New builds telemetry from defaults, EPIX_* environment variables, and opts, in that order.
func New(opts Options) (Telemetry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return Telemetry{}, eris.Wrap(err, "failed to load telemetry config")
	}

	options := newDefaultOptions()
	cfg.applyToOptions(&options)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return Telemetry{}, eris.Wrap(err, "invalid telemetry options")
	}

	if err := sentry.New(options.Sentry); err != nil {
		return Telemetry{}, eris.Wrap(err, "failed to setup sentry")
	}

	tracer, shutdown, err := newTracer(context.Background(), options)
	if err != nil {
		return Telemetry{}, eris.Wrap(err, "failed to setup tracing")
	}
	logger := newLogger(options.Log, os.Stdout)

	return Telemetry{
		Logger:      logger,
		Tracer:      tracer,
		serviceName: options.ServiceName,
		shutdown:    shutdown,
	}, nil
}

// Nop returns telemetry that discards logs and traces.
func Nop() Telemetry {
	return Telemetry{
		Logger: zerolog.Nop(),
		Tracer: noop.NewTracerProvider().Tracer(instrumentationPrefix + "nop"),
	}
}

// Shutdown flushes pending traces and Sentry events.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	sentry.Shutdown(ctx, 2*time.Second)
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// GetLogger returns a component-specific logger.
func (t *Telemetry) GetLogger(component string) zerolog.Logger {
	name := component
	if t.serviceName != "" {
		name = t.serviceName + "." + component
	}
	return t.Logger.With().Str("component", name).Logger()
}

// GetLoggerWithTrace returns a component-specific logger enriched with trace context.
func (t *Telemetry) GetLoggerWithTrace(ctx context.Context, component string) zerolog.Logger {
	logger := t.GetLogger(component).With()

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		spanCtx := span.SpanContext()
		logger = logger.
			Str("trace_id", spanCtx.TraceID().String()).
			Str("span_id", spanCtx.SpanID().String())
	}

	return logger.Logger()
}
