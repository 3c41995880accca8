package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const exportInterval = 10 * time.Second

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

func (c Config) serviceName() string {
	if name := strings.TrimSpace(c.ServiceName); name != "" {
		return name
	}
	return "tenantvault"
}

// Metrics holds the backup, restore and lifecycle instruments. A nil *Metrics
// records nothing.
type Metrics struct {
	backupRuns       metric.Int64Counter
	backupDuration   metric.Float64Histogram
	archiveBytes     metric.Int64Histogram
	restoreRuns      metric.Int64Counter
	retentionPurged  metric.Int64Counter
	lifecycleChanges metric.Int64Counter
	gateDenied       metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider returns a no-op provider unless OTLP export is enabled.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.serviceName()),
		attribute.String("deployment.environment", cfg.Environment),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.StopHook(provider.Shutdown))
	}
	if log != nil {
		log.Info("metrics export enabled",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

// New creates the domain instruments on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(cfg.serviceName())
	m := &Metrics{}

	counter := func(dst *metric.Int64Counter, name, desc string) error {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		*dst = c
		return err
	}

	var errs []error
	errs = append(errs,
		counter(&m.backupRuns, "tenantvault_backup_runs_total", "Finished backup runs by outcome."),
		counter(&m.restoreRuns, "tenantvault_restore_runs_total", "Finished restores by outcome."),
		counter(&m.retentionPurged, "tenantvault_retention_purged_total", "Backups purged by retention."),
		counter(&m.lifecycleChanges, "tenantvault_lifecycle_transitions_total", "Tenant lifecycle status changes."),
		counter(&m.gateDenied, "tenantvault_lifecycle_gate_denied_total", "Requests refused by the lifecycle gate."),
		counter(&m.rateLimitDenied, "tenantvault_rate_limit_denied_total", "Requests refused by a limiter."),
	)

	var err error
	m.backupDuration, err = meter.Float64Histogram("tenantvault_backup_duration_seconds",
		metric.WithUnit("s"), metric.WithDescription("Wall time of a backup run."))
	errs = append(errs, err)
	m.archiveBytes, err = meter.Int64Histogram("tenantvault_backup_archive_bytes",
		metric.WithUnit("By"), metric.WithDescription("Size of completed archives."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func labels(attrs ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(FilterAttributes(attrs...)...)
}

// RecordBackup records a finished backup run. Archive size is recorded for
// runs that produced one.
func (m *Metrics) RecordBackup(ctx context.Context, status string, duration time.Duration, sizeBytes int64) {
	if m == nil {
		return
	}
	opt := labels(attribute.String("status", status))
	m.backupRuns.Add(ctx, 1, opt)
	m.backupDuration.Record(ctx, duration.Seconds(), opt)
	if sizeBytes > 0 {
		m.archiveBytes.Record(ctx, sizeBytes)
	}
}

func (m *Metrics) RecordRestore(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.restoreRuns.Add(ctx, 1, labels(attribute.String("status", status)))
}

func (m *Metrics) RecordRetentionPurged(ctx context.Context, reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.retentionPurged.Add(ctx, int64(count), labels(attribute.String("reason", reason)))
}

func (m *Metrics) RecordLifecycleTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.lifecycleChanges.Add(ctx, 1, labels(attribute.String("from", from), attribute.String("to", to)))
}

func (m *Metrics) RecordGateDenied(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.gateDenied.Add(ctx, 1, labels(attribute.String("status", status)))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.Add(ctx, 1, labels(attribute.String("endpoint", endpoint), attribute.String("reason", reason)))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch p := strings.ToLower(strings.TrimSpace(protocol)); p {
	case "", "grpc", "grpc/protobuf":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", p)
	}
}

// allowedLabelKeys is the full label vocabulary. Tenant and backup ids are
// not in it.
var allowedLabelKeys = map[attribute.Key]bool{
	"status":      true,
	"status_code": true,
	"endpoint":    true,
	"reason":      true,
	"from":        true,
	"to":          true,
	"exporter":    true,
}

// FilterAttributes drops labels outside the allowed vocabulary and trims values.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if !allowedLabelKeys[attr.Key] {
			continue
		}
		if attr.Value.Type() == attribute.STRING {
			attr = attr.Key.String(strings.TrimSpace(attr.Value.AsString()))
		}
		out = append(out, attr)
	}
	return out
}
