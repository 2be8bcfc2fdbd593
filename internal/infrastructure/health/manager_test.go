package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthManagerAggregation(t *testing.T) {
	hm := NewHealthManager(nil)
	assert.True(t, hm.IsHealthy(), "no checks is healthy")

	hm.Register("engine", func() error { return nil })
	assert.True(t, hm.IsHealthy())

	hm.Register("exchange", func() error { return errors.New("high error rate") })
	assert.False(t, hm.IsHealthy())

	status := hm.Check()
	require.Len(t, status, 2)
	assert.Equal(t, Status{Component: "engine", Healthy: true}, status[0])
	assert.Equal(t, Status{Component: "exchange", Healthy: false, Detail: "high error rate"}, status[1])
}
