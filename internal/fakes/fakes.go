// Package fakes provides deterministic in-memory adapters for local
// development and tests (ENABLE_SYNTHETIC=true), standing in for the
// blob-store, OCR, LLM and embedding ports of internal/ports without
// reaching a real provider. The vector-store, persistence and clock ports
// have no fake here.
package fakes

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/rawblock/expense-resolver/internal/ports"
)

// BlobStore keeps uploaded bytes in memory, keyed by a generated ref.
type BlobStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewBlobStore constructs an empty in-memory BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: map[string][]byte{}}
}

func (b *BlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := "mem://" + key
	b.data[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (b *BlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[ref], nil
}

func (b *BlobStore) SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	return ref + "?expires=" + time.Now().Add(ttl).Format(time.RFC3339), nil
}

// OcrProvider returns a fixed, deterministic extraction so ingestion and
// matching flows have something realistic to chain against without a
// real OCR call.
type OcrProvider struct{}

func (OcrProvider) Extract(ctx context.Context, data []byte, hints map[string]string) (ports.OcrResult, error) {
	return ports.OcrResult{
		FieldsWithConfidence: map[string]ports.ExtractedField{
			"vendor": {Value: "Synthetic Vendor", Confidence: 0.9},
			"amount": {Value: "12.34", Confidence: 0.95},
			"date":   {Value: time.Now().Format("2006-01-02"), Confidence: 0.9},
		},
		LineItems: []ports.ExtractedLineItem{
			{Description: "Item", Quantity: 1, UnitPrice: "12.34"},
		},
		RawText: "SYNTHETIC VENDOR\nTOTAL 12.34",
	}, nil
}

// LlmProvider returns a scripted answer, configurable per test, so
// resolver/matching flows can exercise T3/T4 without network calls.
type LlmProvider struct {
	Value      string
	Confidence float64
}

func (p LlmProvider) Complete(ctx context.Context, prompt string, schema []byte, opts ports.CompletionOptions) (ports.CompletionResult, error) {
	body := fmt.Sprintf(`{"value": %q, "confidence": %f}`, p.Value, p.Confidence)
	return ports.CompletionResult{Content: []byte(body), UsageTokens: 42}, nil
}

// EmbeddingProvider hashes each input text into a deterministic unit
// vector so cosine similarity between identical or near-identical texts
// behaves sensibly in tests without a real embedding call.
type EmbeddingProvider struct {
	Dims int
}

// NewEmbeddingProvider constructs a fake embedder producing vectors of
// the given dimensionality (default 16 when dims <= 0).
func NewEmbeddingProvider(dims int) *EmbeddingProvider {
	if dims <= 0 {
		dims = 16
	}
	return &EmbeddingProvider{Dims: dims}
}

func (e *EmbeddingProvider) Embed(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, text := range texts {
		vecs[i] = pgvector.NewVector(hashToUnitVector(text, e.Dims))
	}
	return vecs, nil
}

// hashToUnitVector deterministically maps text to a fixed-length,
// L2-normalized float32 vector via repeated SHA-256 hashing.
func hashToUnitVector(text string, dims int) []float32 {
	out := make([]float32, dims)
	seed := sha256.Sum256([]byte(text))
	var sumSq float64

	for i := 0; i < dims; i++ {
		h := sha256.Sum256(append(seed[:], byte(i)))
		// Map the first 4 bytes of each successive hash to a signed
		// fraction in [-1, 1].
		v := float64(int32(h[0])<<24|int32(h[1])<<16|int32(h[2])<<8|int32(h[3])) / float64(1<<31)
		out[i] = float32(v)
		sumSq += v * v
	}

	norm := 1.0
	if sumSq > 0 {
		norm = 1.0 / math.Sqrt(sumSq)
	}
	for i := range out {
		out[i] = float32(float64(out[i]) * norm)
	}
	return out
}
