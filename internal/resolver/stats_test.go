package resolver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStats_AggregatesByTierAndKind(t *testing.T) {
	s := NewStats()
	s.Observe(Record{QuestionKind: QuestionNormalizeVendor, TierReached: TierExactCache, CacheHit: true})
	s.Observe(Record{QuestionKind: QuestionNormalizeVendor, TierReached: TierSmallLLM, CostEstimate: 1, LatencyMs: 120})
	s.Observe(Record{QuestionKind: QuestionSuggestGLCode, TierReached: TierLargeLLM, CostEstimate: 30, LatencyMs: 800})
	s.Observe(Record{QuestionKind: QuestionColumnMapping}) // failed: no tier reached

	snap := s.Snapshot()
	require.EqualValues(t, 4, snap.Total)
	require.EqualValues(t, 1, snap.Failures)
	require.InDelta(t, 0.25, snap.CacheHitRate, 1e-9)
	require.InDelta(t, 31.0, snap.CostEstimate, 1e-9)
	require.EqualValues(t, 1, snap.ByTier[TierExactCache].Count)
	require.EqualValues(t, 1, snap.ByTier[TierSmallLLM].Count)
	require.EqualValues(t, 800, snap.ByTier[TierLargeLLM].TotalLatencyMs)
	require.EqualValues(t, 2, snap.ByKind[QuestionNormalizeVendor])
}

func TestStats_EmptySnapshot(t *testing.T) {
	snap := NewStats().Snapshot()
	require.Zero(t, snap.Total)
	require.Zero(t, snap.CacheHitRate)
	require.Empty(t, snap.ByTier)
}
