package textdist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimilarity_Identical(t *testing.T) {
	require.Equal(t, 1.0, Similarity("starbucks", "starbucks"))
}

func TestSimilarity_Empty(t *testing.T) {
	require.Equal(t, 1.0, Similarity("", ""))
	require.Equal(t, 0.0, Similarity("abc", ""))
}

func TestSimilarity_Transposition(t *testing.T) {
	// A single adjacent transposition should cost less than two
	// substitutions: "costco" vs "csotco" (swap o/s).
	s := Similarity("costco", "csotco")
	require.Greater(t, s, 0.7)
	require.Less(t, s, 1.0)
}

func TestSimilarity_CompletelyDifferent(t *testing.T) {
	s := Similarity("aaaa", "zzzzzzzz")
	require.Less(t, s, 0.5)
}

func TestSimilarity_NearMiss(t *testing.T) {
	s := Similarity("joes coffee", "joe's coffee")
	require.Greater(t, s, 0.85)
}
