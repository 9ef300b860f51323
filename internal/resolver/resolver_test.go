package resolver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/expense-resolver/internal/clock"
	"github.com/rawblock/expense-resolver/internal/config"
	"github.com/rawblock/expense-resolver/internal/ports"
)

type fakeCacheStore struct {
	entries map[string]CacheEntry
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{entries: map[string]CacheEntry{}}
}

func (f *fakeCacheStore) Lookup(ctx context.Context, userID *uuid.UUID, canonicalForm string) (CacheEntry, bool, error) {
	e, ok := f.entries[canonicalForm]
	return e, ok, nil
}

func (f *fakeCacheStore) Upsert(ctx context.Context, userID *uuid.UUID, canonicalForm, normalizedValue string, confidence float64) error {
	f.entries[canonicalForm] = CacheEntry{NormalizedValue: normalizedValue, Confidence: confidence}
	return nil
}

type fakeSeedStore struct {
	seeds map[uuid.UUID]EmbeddingSeed
}

func newFakeSeedStore() *fakeSeedStore {
	return &fakeSeedStore{seeds: map[uuid.UUID]EmbeddingSeed{}}
}

func (f *fakeSeedStore) Resolve(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]EmbeddingSeed, error) {
	out := map[uuid.UUID]EmbeddingSeed{}
	for _, id := range ids {
		if s, ok := f.seeds[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeSeedStore) SeedVerified(ctx context.Context, userID *uuid.UUID, text, normalizedValue string, vec pgvector.Vector) error {
	id := uuid.New()
	f.seeds[id] = EmbeddingSeed{ID: id, NormalizedValue: normalizedValue, VerifiedAt: time.Now()}
	return nil
}

// fakeEmbedding returns a one-element zero vector; T2 is never exercised unless
// fakeVectors is primed, so its content doesn't matter for these tests.
type fakeEmbedding struct{}

func (fakeEmbedding) Embed(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range texts {
		vecs[i] = pgvector.NewVector([]float32{0})
	}
	return vecs, nil
}

type fakeVectors struct {
	matches []ports.KnnMatch
}

func (f *fakeVectors) KnnSearch(ctx context.Context, vec pgvector.Vector, k int, filter ports.KnnFilter) ([]ports.KnnMatch, error) {
	return f.matches, nil
}

type fakeLLM struct {
	value      string
	confidence float64
	err        error
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string, schema []byte, opts ports.CompletionOptions) (ports.CompletionResult, error) {
	if f.err != nil {
		return ports.CompletionResult{}, f.err
	}
	body, _ := json.Marshal(struct {
		Value      json.RawMessage `json:"value"`
		Confidence float64         `json:"confidence"`
	}{
		Value:      mustJSON(f.value),
		Confidence: f.confidence,
	})
	return ports.CompletionResult{Content: body, UsageTokens: 10}, nil
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func testConfig() (config.ResolverConfig, config.BreakerConfig) {
	return config.ResolverConfig{
			VectorSimilarityThreshold: 0.88,
			VectorMarginThreshold:     0.03,
			SmallLLMMinConfidence:     0.70,
		}, config.BreakerConfig{
			WindowSize:      50,
			ErrorRateOpen:   0.30,
			TimeoutRateOpen: 0.10,
			HalfOpenAfter:   30 * time.Second,
			CloseAfterOK:    3,
		}
}

// TestResolve_T1ExactCacheHit covers scenario S2 from the worked-example
// set: a populated cache answers immediately at zero cost.
func TestResolve_T1ExactCacheHit(t *testing.T) {
	cache := newFakeCacheStore()
	cache.entries["starbucks"] = CacheEntry{NormalizedValue: "Starbucks", Confidence: 1.0}

	rCfg, bCfg := testConfig()
	var records []Record
	res := New(Deps{
		Embedding: fakeEmbedding{},
		Vectors:   &fakeVectors{},
		Small:     &fakeLLM{},
		Large:     &fakeLLM{},
		Cache:     cache,
		Seeds:     newFakeSeedStore(),
		Clock:     clock.Real{},
	}, rCfg, bCfg, func(r Record) { records = append(records, r) })

	ans, err := res.Resolve(context.Background(), Question{
		Kind:     QuestionNormalizeVendor,
		RawInput: "STARBUCKS #1234",
	})
	require.NoError(t, err)
	require.Equal(t, TierExactCache, ans.Tier)
	require.Equal(t, float64(0), ans.CostEstimate)

	var normalized string
	require.NoError(t, json.Unmarshal(ans.Value, &normalized))
	require.Equal(t, "Starbucks", normalized)

	require.Len(t, records, 1)
	require.Equal(t, TierExactCache, records[0].TierReached)
	require.True(t, records[0].CacheHit)
}

// TestResolve_T3WritebackThenT1 covers scenario S3: an empty cache falls
// through T1 and T2 to T3, and confirming the answer promotes the next
// identical query to a T1 hit.
func TestResolve_T3WritebackThenT1(t *testing.T) {
	cache := newFakeCacheStore()
	rCfg, bCfg := testConfig()
	res := New(Deps{
		Embedding: fakeEmbedding{},
		Vectors:   &fakeVectors{}, // no matches: T2 misses
		Small:     &fakeLLM{value: "Joe's Coffee", confidence: 0.82},
		Large:     &fakeLLM{value: "should not be reached"},
		Cache:     cache,
		Seeds:     newFakeSeedStore(),
		Clock:     clock.Real{},
	}, rCfg, bCfg, nil)

	q := Question{
		Kind:     QuestionNormalizeVendor,
		RawInput: "SQ *JOES COFFEE",
		Prompt:   "normalize vendor",
		Schema:   []byte(`{}`),
	}

	ans, err := res.Resolve(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, TierSmallLLM, ans.Tier)

	var normalized string
	require.NoError(t, json.Unmarshal(ans.Value, &normalized))
	require.Equal(t, "Joe's Coffee", normalized)

	require.NoError(t, res.Confirm(context.Background(), q, ans))

	ans2, err := res.Resolve(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, TierExactCache, ans2.Tier)
}

// TestResolve_TierMonotonicity asserts that when T1 hits, T2/T3/T4 are
// never consulted: a primed 0.99 vector match and 0.99-confidence LLM
// fakes are all available, yet the answer still comes from T1.
func TestResolve_TierMonotonicity(t *testing.T) {
	cache := newFakeCacheStore()
	cache.entries["costco"] = CacheEntry{NormalizedValue: "Costco", Confidence: 1.0}

	rCfg, bCfg := testConfig()
	res := New(Deps{
		Embedding: fakeEmbedding{},
		Vectors:   &fakeVectors{matches: []ports.KnnMatch{{ID: uuid.New(), Score: 0.99}}},
		Small:     &fakeLLM{value: "wrong tier", confidence: 0.99},
		Large:     &fakeLLM{value: "wrong tier", confidence: 0.99},
		Cache:     cache,
		Seeds:     newFakeSeedStore(),
		Clock:     clock.Real{},
	}, rCfg, bCfg, nil)

	ans, err := res.Resolve(context.Background(), Question{Kind: QuestionNormalizeVendor, RawInput: "Costco"})
	require.NoError(t, err)
	require.Equal(t, TierExactCache, ans.Tier)
}

// TestResolve_SmallLLMBelowConfidenceFallsToLarge asserts a T3 answer that
// fails the self-confidence threshold falls through to T4 rather than
// being returned.
func TestResolve_SmallLLMBelowConfidenceFallsToLarge(t *testing.T) {
	rCfg, bCfg := testConfig()
	res := New(Deps{
		Embedding: fakeEmbedding{},
		Vectors:   &fakeVectors{},
		Small:     &fakeLLM{value: "uncertain guess", confidence: 0.5},
		Large:     &fakeLLM{value: "Confident Answer", confidence: 0.95},
		Cache:     newFakeCacheStore(),
		Seeds:     newFakeSeedStore(),
		Clock:     clock.Real{},
	}, rCfg, bCfg, nil)

	ans, err := res.Resolve(context.Background(), Question{
		Kind:     QuestionNormalizeVendor,
		RawInput: "ambiguous charge",
		Prompt:   "normalize vendor",
		Schema:   []byte(`{}`),
	})
	require.NoError(t, err)
	require.Equal(t, TierLargeLLM, ans.Tier)
}

// TestResolve_BothBreakersOpenReturnsProviderUnavailable asserts the
// fall-through-to-failure path when neither LLM tier can be reached.
func TestResolve_BothBreakersOpenReturnsProviderUnavailable(t *testing.T) {
	rCfg, bCfg := testConfig()
	bCfg.WindowSize = 2
	res := New(Deps{
		Embedding: fakeEmbedding{},
		Vectors:   &fakeVectors{},
		Small:     &fakeLLM{},
		Large:     &fakeLLM{},
		Cache:     newFakeCacheStore(),
		Seeds:     newFakeSeedStore(),
		Clock:     clock.Real{},
	}, rCfg, bCfg, nil)

	res.smallBreaker.RecordResult(false, false)
	res.smallBreaker.RecordResult(false, false)
	res.largeBreaker.RecordResult(false, false)
	res.largeBreaker.RecordResult(false, false)

	_, err := res.Resolve(context.Background(), Question{
		Kind:     QuestionNormalizeVendor,
		RawInput: "whatever charge",
		Prompt:   "normalize vendor",
		Schema:   []byte(`{}`),
	})
	require.Error(t, err)
}

func TestCanonicalize_Idempotent(t *testing.T) {
	inputs := []string{
		"STARBUCKS #1234",
		"POS SQ *JOES COFFEE 04/12",
		"  Extra   Whitespace  Vendor  ",
	}
	for _, in := range inputs {
		once := Canonicalize(in)
		twice := Canonicalize(once)
		require.Equal(t, once, twice)
	}
}
