package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/grafting/internal/ir"
)

func TestBudget_NodeLimitOverridesEngine(t *testing.T) {
	tests := []struct {
		name      string
		node, eng int
		wantLimit int
	}{
		{"engine default", 0, 1000, 1000},
		{"node override", 5, 1000, 5},
		{"node larger than engine", 2000, 10, 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantLimit, newBudget(tt.node, tt.eng).limit)
		})
	}
}

func TestBudget_ExactlyLimitIterations(t *testing.T) {
	b := newBudget(3, DefaultMaxSteps)
	for i := 0; i < 3; i++ {
		require.False(t, b.exhausted(), "iteration %d", i+1)
		b.spend()
	}
	assert.True(t, b.exhausted())
	assert.Equal(t, 3, b.used)
}

func TestBudget_Exceeded(t *testing.T) {
	err := newBudget(7, DefaultMaxSteps).exceeded("exhaust")
	require.Error(t, err)
	assert.True(t, ir.IsNonTermination(err))
	assert.Equal(t, "max_steps", ir.DetailOf(err, "reason"))
	assert.Equal(t, "7", ir.DetailOf(err, "max_steps"))
}
