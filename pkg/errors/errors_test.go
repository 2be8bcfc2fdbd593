package apperrors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"not found", NewExchangeError("cancel", -2011, "Unknown order sent.", ErrOrderNotFound), KindNotFound},
		{"duplicate", NewExchangeError("place", -2010, "Duplicate order sent.", ErrDuplicateOrder), KindDuplicate},
		{"rate limit wrapped", fmt.Errorf("place: %w", ErrRateLimitExceeded), KindRateLimited},
		{"rejected", ErrInvalidOrderParameter, KindRejected},
		{"funds", ErrInsufficientFunds, KindInsufficientFunds},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"plain", fmt.Errorf("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestIsTransientAndCode(t *testing.T) {
	assert.True(t, IsTransient(ErrNetwork))
	assert.True(t, IsTransient(fmt.Errorf("unclassified")))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrOrderRejected))

	err := fmt.Errorf("wrap: %w", NewExchangeError("place", -1013, "Filter failure: LOT_SIZE", ErrInvalidOrderParameter))
	assert.Equal(t, -1013, CodeOf(err))
	assert.Equal(t, 0, CodeOf(ErrNetwork))
}
