package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-pendant/internal/config"
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

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, traceShutdown, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler, err := initMetrics(res, logger)
	if err != nil {
		return nil, nil, err
	}
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

	return shutdown, metricHandler, nil
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

	if !cfg.Telemetry.StdoutTraces {
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		return tp, tp.Shutdown, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
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

func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		meter := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return meter, nil, nil
	}
	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return meter, promhttp.Handler(), nil
}

// instruments are the pipeline counters exported at /metrics.
type instruments struct {
	segments        metric.Int64Counter
	conversations   metric.Int64Counter
	backendStarts   metric.Int64Counter
	backendFailures metric.Int64Counter
	syncBytes       metric.Int64Counter
	syncOutcomes    metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		ins instruments
		err error
	)
	if ins.segments, err = meter.Int64Counter("loqa.transcript.segments", metric.WithDescription("Transcript segments received from the active backend")); err != nil {
		return nil, err
	}
	if ins.conversations, err = meter.Int64Counter("loqa.conversations.finalized", metric.WithDescription("Conversations handed off for storage")); err != nil {
		return nil, err
	}
	if ins.backendStarts, err = meter.Int64Counter("loqa.stt.backend.starts", metric.WithDescription("Transcription backends that reached ready")); err != nil {
		return nil, err
	}
	if ins.backendFailures, err = meter.Int64Counter("loqa.stt.backend.failures", metric.WithDescription("Transcription backends that failed to load")); err != nil {
		return nil, err
	}
	if ins.syncBytes, err = meter.Int64Counter("loqa.sync.bytes", metric.WithUnit("By"), metric.WithDescription("Offline audio bytes stored by sync")); err != nil {
		return nil, err
	}
	if ins.syncOutcomes, err = meter.Int64Counter("loqa.sync.outcomes", metric.WithDescription("Finished sync attempts by outcome")); err != nil {
		return nil, err
	}
	return &ins, nil
}

// observeDropped exports the audio drop counters, labelled by reason.
func observeDropped(meter metric.Meter, sources map[string]func() int64) error {
	dropped, err := meter.Int64ObservableCounter("loqa.audio.dropped", metric.WithDescription("Audio chunks dropped before transcription"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		for reason, fn := range sources {
			obs.ObserveInt64(dropped, fn(), metric.WithAttributes(attribute.String("reason", reason)))
		}
		return nil
	}, dropped)
	return err
}
