package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/mindstore/internal/config"
	"github.com/loqalabs/mindstore/internal/recognition"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// traceOut receives spans when no OTLP endpoint is configured.
var traceOut io.Writer = os.Stdout

type telemetry struct {
	meter    metric.Meter
	metrics  http.Handler
	shutdown func(context.Context) error
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	traceProvider, traceShutdown, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := traceShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return &telemetry{
		meter:    meterProvider.Meter("github.com/loqalabs/mindstore"),
		metrics:  metricHandler,
		shutdown: shutdown,
	}, nil
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
		return tp, tp.Shutdown, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(traceOut))
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
	return tp, tp.Shutdown, nil
}

// initMetrics exports through a private Prometheus registry so several
// runtimes can coexist in one process.
func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	registry := promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return meter, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// instruments records diary metrics and satisfies journal.Observer.
type instruments struct {
	saved  metric.Int64Counter
	errors metric.Int64Counter
}

func newInstruments(meter metric.Meter, count func(context.Context) (int64, error)) (*instruments, error) {
	saved, err := meter.Int64Counter("mindstore.entries.saved",
		metric.WithDescription("Diary entries persisted from final transcripts"))
	if err != nil {
		return nil, err
	}
	recErrors, err := meter.Int64Counter("mindstore.recognition.errors",
		metric.WithDescription("Recognition errors reported to the journal"))
	if err != nil {
		return nil, err
	}
	_, err = meter.Int64ObservableGauge("mindstore.entries.total",
		metric.WithDescription("Entries currently stored"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := count(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		}))
	if err != nil {
		return nil, err
	}
	return &instruments{saved: saved, errors: recErrors}, nil
}

func (i *instruments) EntrySaved(ctx context.Context) {
	i.saved.Add(ctx, 1)
}

func (i *instruments) RecognitionError(ctx context.Context, message string) {
	i.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("message", errorLabel(message))))
}

// errorLabel keeps the fixed recognition messages and folds everything else
// into "other" so unknown engine codes cannot grow the series count.
func errorLabel(message string) string {
	switch message {
	case recognition.MsgNotSupported,
		recognition.MsgStartFailed,
		recognition.MsgStopFailed,
		recognition.MsgNoSpeech,
		recognition.MsgAudioCapture,
		recognition.MsgNotAllowed,
		recognition.MsgNetwork:
		return message
	default:
		return "other"
	}
}
