package metrics

import (
	"context"
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
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	allocationRuns     metric.Int64Counter
	ledgerTransactions metric.Int64Counter
	creditsExpiredKwh  metric.Float64Counter
	invoicesGenerated  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
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

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "sunpool"
	}
	meter := provider.Meter(name)

	allocationRuns, err := meter.Int64Counter("sunpool_allocation_runs_total")
	if err != nil {
		return nil, err
	}
	ledgerTransactions, err := meter.Int64Counter("sunpool_ledger_transactions_total")
	if err != nil {
		return nil, err
	}
	creditsExpiredKwh, err := meter.Float64Counter("sunpool_credits_expired_kwh_total")
	if err != nil {
		return nil, err
	}
	invoicesGenerated, err := meter.Int64Counter("sunpool_invoices_generated_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		allocationRuns:     allocationRuns,
		ledgerTransactions: ledgerTransactions,
		creditsExpiredKwh:  creditsExpiredKwh,
		invoicesGenerated:  invoicesGenerated,
	}, nil
}

// RecordAllocationRun increments allocation run counts by outcome.
func (m *Metrics) RecordAllocationRun(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.allocationRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
	))
}

// RecordLedgerTransaction increments ledger transaction counts by type.
func (m *Metrics) RecordLedgerTransaction(ctx context.Context, txType string) {
	if m == nil {
		return
	}
	m.ledgerTransactions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", strings.TrimSpace(txType)),
	))
}

// RecordCreditsExpired accumulates the kWh retired by the expiration sweep.
func (m *Metrics) RecordCreditsExpired(ctx context.Context, kwh float64) {
	if m == nil || kwh <= 0 {
		return
	}
	m.creditsExpiredKwh.Add(ctx, kwh)
}

// RecordInvoiceGenerated increments invoice generation counts.
func (m *Metrics) RecordInvoiceGenerated(ctx context.Context) {
	if m == nil {
		return
	}
	m.invoicesGenerated.Add(ctx, 1)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}
