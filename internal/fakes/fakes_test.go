package fakes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rawblock/expense-resolver/internal/ports"
)

func TestEmbeddingProvider_Deterministic(t *testing.T) {
	e := NewEmbeddingProvider(16)
	a, err := e.Embed(context.Background(), []string{"starbucks"})
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), []string{"starbucks"})
	require.NoError(t, err)
	require.Equal(t, a[0].Slice(), b[0].Slice())
}

func TestEmbeddingProvider_DistinctInputsDiffer(t *testing.T) {
	e := NewEmbeddingProvider(16)
	vecs, err := e.Embed(context.Background(), []string{"starbucks", "costco"})
	require.NoError(t, err)
	require.NotEqual(t, vecs[0].Slice(), vecs[1].Slice())
}

func TestBlobStore_PutGet(t *testing.T) {
	store := NewBlobStore()
	ref, err := store.Put(context.Background(), "receipt-1", []byte("hello"))
	require.NoError(t, err)

	data, err := store.Get(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestLlmProvider_Complete(t *testing.T) {
	p := LlmProvider{Value: "Starbucks", Confidence: 0.9}
	result, err := p.Complete(context.Background(), "prompt", []byte(`{}`), ports.CompletionOptions{})
	require.NoError(t, err)
	require.Contains(t, string(result.Content), "Starbucks")
}
