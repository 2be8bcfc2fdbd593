package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupInstallsProvidersAndInstruments(t *testing.T) {
	tel, err := Setup("signal_trader_test", Options{Version: "test"})
	require.NoError(t, err)

	assert.True(t, GetGlobalMetrics().Ready())
	assert.NotNil(t, GetTracer("engine"))
	assert.NotNil(t, GetMeter("http-client"))

	_, span := GetTracer("engine").Start(context.Background(), "tick")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
}
