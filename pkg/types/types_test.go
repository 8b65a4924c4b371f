package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveTier(t *testing.T) {
	tests := []struct {
		name     string
		caps     NodeCapabilities
		expected Tier
	}{
		{
			name:     "small model is basic",
			caps:     NodeCapabilities{ParamsB: 3, Quantization: "Q4", TokensPerSecond: 25},
			expected: TierBasic,
		},
		{
			name:     "slow node is basic regardless of size",
			caps:     NodeCapabilities{ParamsB: 70, Quantization: "Q4", TokensPerSecond: 5},
			expected: TierBasic,
		},
		{
			name:     "large model is pro",
			caps:     NodeCapabilities{ParamsB: 34, Quantization: "Q4", TokensPerSecond: 40},
			expected: TierPro,
		},
		{
			name:     "fast mid-size model is pro",
			caps:     NodeCapabilities{ParamsB: 13, Quantization: "Q4", TokensPerSecond: 45},
			expected: TierPro,
		},
		{
			name:     "middle of the road is mid",
			caps:     NodeCapabilities{ParamsB: 13, Quantization: "Q4", TokensPerSecond: 20},
			expected: TierMid,
		},
		{
			name:     "quantization lifts effective params over the pro bar",
			caps:     NodeCapabilities{ParamsB: 13, Quantization: "FP16", TokensPerSecond: 20},
			expected: TierPro, // 13 * 1.6 = 20.8 > 20
		},
		{
			name:     "unknown params treated as zero",
			caps:     NodeCapabilities{ModelName: "mystery-model", TokensPerSecond: 50},
			expected: TierBasic,
		},
		{
			name:     "params parsed from model name",
			caps:     NodeCapabilities{ModelName: "llama-3-70b-instruct", Quantization: "Q4", TokensPerSecond: 35},
			expected: TierPro,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveTier(tt.caps))
		})
	}
}

func TestDeriveTierIsPure(t *testing.T) {
	caps := NodeCapabilities{ParamsB: 13, Quantization: "Q5", TokensPerSecond: 22}
	first := DeriveTier(caps)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, DeriveTier(caps))
	}
}

func TestEligibleTiers(t *testing.T) {
	assert.ElementsMatch(t, []Tier{TierBasic, TierMid, TierPro}, EligibleTiers(DifficultySimple))
	assert.ElementsMatch(t, []Tier{TierMid, TierPro}, EligibleTiers(DifficultyComplex))
	assert.ElementsMatch(t, []Tier{TierPro}, EligibleTiers(DifficultyAdvanced))
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskPartial, TaskFailed, TaskTimedOut, TaskCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []TaskStatus{TaskPending, TaskClassifying, TaskDispatched, TaskStreaming} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestEffectiveLoad(t *testing.T) {
	n := &Node{CurrentLoad: 2, ArtificialLoad: 5}
	assert.Equal(t, 7, n.EffectiveLoad())
}
