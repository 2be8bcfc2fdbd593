package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIDRoundTrip(t *testing.T) {
	id := SeqClientID("st", "a1b2c3d4e5f60718", LegTrail, 3)
	assert.Equal(t, "st-a1b2c3d4e5f60718-TR3", id)
	assert.LessOrEqual(t, len(id), 36)

	key, leg, ok := ParseClientID("st", id)
	assert.True(t, ok)
	assert.Equal(t, "a1b2c3d4e5f60718", key)
	assert.Equal(t, "TR3", leg)
	assert.Equal(t, LegTrail, LegKind(leg))
	assert.True(t, IsStopLeg(leg))
	assert.False(t, IsStopLeg(LegTP1))
	assert.Equal(t, LegTP2, LegKind(LegTP2))
	assert.Equal(t, LegEntryFallback, LegKind(LegEntryFallback))
	assert.Equal(t, LegBreakeven, LegKind("BE2"))

	for _, foreign := range []string{"web_123", "st-", "st-key-", "other-key-E", "st--E"} {
		_, _, ok := ParseClientID("st", foreign)
		assert.False(t, ok, foreign)
	}
}
