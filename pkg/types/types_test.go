package types

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusFlagsMerge(t *testing.T) {
	flags := FlagStored
	flags = flags.Merge(FlagPublished)
	flags = flags.Merge(FlagEventStored)

	assert.True(t, flags.Has(FlagStored))
	assert.True(t, flags.Has(FlagPublished))
	assert.True(t, flags.Has(FlagEventStored))
	assert.False(t, flags.Has(FlagFailed))

	// Merging an already-set flag is a no-op.
	assert.Equal(t, flags, flags.Merge(FlagPublished))
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureReason
	}{
		{"nil", nil, FailureNone},
		{"validation", ErrValidationFailed, FailureValidationFailed},
		{"business rule", ErrBusinessRuleViolation, FailureBusinessRuleViolation},
		{"serialization", ErrSerialization, FailureSerialization},
		{"transport", ErrTransportUnavailable, FailureTransportUnavailable},
		{"timeout", ErrTimeout, FailureTimeout},
		{"concurrency", ErrOptimisticConcurrency, FailureOptimisticConcurrency},
		{"lease", ErrLeaseLost, FailureLeaseLost},
		{"wrapped", fmt.Errorf("publishing: %w", ErrTimeout), FailureTimeout},
		{"unknown", fmt.Errorf("disk on fire"), FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFailure(tt.err))
		})
	}
}

func TestPartitionForIsStable(t *testing.T) {
	for _, stream := range []string{"order/1", "order/2", "customer/abc", ""} {
		first := PartitionFor(stream, 16)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 16)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, PartitionFor(stream, 16))
		}
	}
}

func TestPartitionForDefaultsCount(t *testing.T) {
	assert.Equal(t,
		PartitionFor("order/1", DefaultPartitionCount),
		PartitionFor("order/1", 0))
}
