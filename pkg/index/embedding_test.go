package index

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbedIsUnitNormOrZero(t *testing.T) {
	vec := Embed("machine learning neural networks")
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	require.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-9)
}

func TestEmbedEmptyTextIsZeroVector(t *testing.T) {
	vec := Embed("")
	for _, v := range vec {
		require.Zero(t, v)
	}
}

func TestEmbedIsDeterministic(t *testing.T) {
	a := Embed("deterministic hashing matters")
	b := Embed("deterministic hashing matters")
	require.Equal(t, a, b)
}

func TestSearchSimilarOrdersByScore(t *testing.T) {
	e := NewEmbeddings()
	e.Set("ai", "machine learning neural")
	e.Set("food", "pasta cooking recipe")

	results := e.SearchSimilar("learning neural nets", 2)
	require.Len(t, results, 2)
	require.Equal(t, "ai", results[0].Key)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchSimilarTopKClamped(t *testing.T) {
	e := NewEmbeddings()
	e.Set("a", "one")
	e.Set("b", "two")

	require.Len(t, e.SearchSimilar("one two", 10), 2)
	require.Empty(t, e.SearchSimilar("one two", 0))
}

func TestSearchSimilarTieBreaksLexicographically(t *testing.T) {
	e := NewEmbeddings()
	e.Set("zeta", "same text")
	e.Set("alpha", "same text")

	results := e.SearchSimilar("same text", 2)
	require.Equal(t, "alpha", results[0].Key)
	require.Equal(t, "zeta", results[1].Key)
}
