package telemetry

import (
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewManualMetrics builds an isolated holder backed by a manual reader so
// tests can collect and assert recorded values
func NewManualMetrics() (*MetricsHolder, *sdkmetric.ManualReader, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	holder := newHolder()
	if err := holder.InitMetrics(provider.Meter("signal_trader_test")); err != nil {
		return nil, nil, err
	}
	return holder, reader, nil
}
