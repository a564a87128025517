package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span exporters accepted in TracingConfig.Exporter.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const defaultOTLPEndpoint = "localhost:4317"

// ErrInvalidTracing is wrapped by TracingConfig.Validate.
var ErrInvalidTracing = errors.New("invalid tracing config")

// TracingConfig is the [tracing] section of the runner config.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string
	// Endpoint is the OTLP gRPC collector address.
	Endpoint    string
	SampleRatio float64
	// Output receives stdout-exporter spans. Nil means os.Stdout.
	Output io.Writer
}

// Validate checks the exporter and sample ratio. A disabled config is
// always valid.
func (c TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("%w: unknown exporter %q", ErrInvalidTracing, c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("%w: sample ratio %v outside [0,1]", ErrInvalidTracing, c.SampleRatio)
	}
	return nil
}

// TracingConfigFromEnv overlays FLEET_TRACING_ENABLED,
// FLEET_TRACING_EXPORTER, FLEET_TRACING_SERVICE_NAME,
// FLEET_TRACING_SAMPLE_RATIO and FLEET_OTLP_ENDPOINT on base. Unset or
// unparsable variables leave base untouched.
func TracingConfigFromEnv(base TracingConfig) TracingConfig {
	if v := os.Getenv("FLEET_TRACING_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			base.Enabled = enabled
		}
	}
	if v := os.Getenv("FLEET_TRACING_EXPORTER"); v != "" {
		base.Exporter = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("FLEET_TRACING_SERVICE_NAME"); v != "" {
		base.ServiceName = v
	}
	if v := os.Getenv("FLEET_TRACING_SAMPLE_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0 && ratio <= 1 {
			base.SampleRatio = ratio
		}
	}
	if v := os.Getenv("FLEET_OTLP_ENDPOINT"); v != "" {
		base.Endpoint = v
	}
	return base
}

// FleetResource describes the simulated fleet. It is attached to every
// exported span as resource attributes.
type FleetResource struct {
	RunID string
	// Archetypes counts agents per archetype.
	Archetypes map[string]int
	GridWidth  int
	GridHeight int
	Mode       string
}

// Agents is the fleet size.
func (f FleetResource) Agents() int {
	n := 0
	for _, c := range f.Archetypes {
		n += c
	}
	return n
}

func (f FleetResource) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int("fleet.agents", f.Agents()),
		attribute.Int("fleet.grid.width", f.GridWidth),
		attribute.Int("fleet.grid.height", f.GridHeight),
	}
	if f.RunID != "" {
		attrs = append(attrs, attribute.String("fleet.run_id", f.RunID))
	}
	if f.Mode != "" {
		attrs = append(attrs, attribute.String("fleet.clock_mode", f.Mode))
	}
	kinds := make([]string, 0, len(f.Archetypes))
	for k := range f.Archetypes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		attrs = append(attrs, attribute.Int("fleet.agents."+k, f.Archetypes[k]))
	}
	return attrs
}

// InitTracing installs the global tracer provider the engine's dispatch
// spans go to. It returns a shutdown function that flushes pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig, fleet FleetResource, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp, err := newTracerProvider(ctx, cfg, fleet, exp)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float("sample_ratio", cfg.SampleRatio),
		logging.Int("agents", fleet.Agents()),
	)

	return tp.Shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg TracingConfig, fleet FleetResource, exp sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "fleet"),
	}, fleet.attributes()...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(samplerFor(cfg.SampleRatio)),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func samplerFor(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		return stdouttrace.New(
			stdouttrace.WithWriter(out),
			stdouttrace.WithoutTimestamps(),
		)
	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("%w: unknown exporter %q", ErrInvalidTracing, cfg.Exporter)
	}
}

// ShutdownWithTimeout flushes tracing within five seconds, logging rather
// than returning a failure.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
