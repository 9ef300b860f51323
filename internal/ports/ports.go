// Package ports declares every external capability the core consumes.
// Each is an abstract interface; concrete adapters (real or fake) are
// selected at the composition root (cmd/resolverd/main.go). No package in
// internal/resolver, internal/matching, internal/ingestion, or
// internal/jobs imports a concrete adapter directly.
package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// BlobStore persists opaque byte payloads (receipt images, generated
// reports) behind a reference the caller stores instead of the bytes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// ExtractedField is one OCR-recognized field with its confidence.
type ExtractedField struct {
	Value      string
	Confidence float64
}

// ExtractedLineItem mirrors models.LineItem before currency parsing.
type ExtractedLineItem struct {
	Description string
	Quantity    float64
	UnitPrice   string // decimal string, parsed by the caller
}

// OcrResult is the raw output of receipt text/field extraction.
type OcrResult struct {
	FieldsWithConfidence map[string]ExtractedField
	LineItems            []ExtractedLineItem
	RawText              string
}

// OcrProvider extracts structured fields from a receipt image or PDF.
type OcrProvider interface {
	Extract(ctx context.Context, data []byte, hints map[string]string) (OcrResult, error)
}

// ModelClass selects which tier of LLM a completion call targets.
type ModelClass string

const (
	ModelSmall ModelClass = "small"
	ModelLarge ModelClass = "large"
)

// CompletionOptions parameterize a single LlmProvider.Complete call.
type CompletionOptions struct {
	Temperature float64
	MaxTokens   int
	ModelClass  ModelClass
}

// CompletionResult is a schema-validated LLM response plus usage for cost
// accounting.
type CompletionResult struct {
	Content    []byte // JSON already validated against the requested schema
	UsageTokens int
}

// LlmProvider issues schema-constrained completions. Implementations MUST
// validate the returned JSON against schema before returning; a malformed
// response is a ProviderTransient error, not an application-level parse
// failure the caller has to detect itself.
type LlmProvider interface {
	Complete(ctx context.Context, prompt string, schema []byte, opts CompletionOptions) (CompletionResult, error)
}

// EmbeddingProvider turns text into fixed-length vectors for T2 similarity
// lookups.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([]pgvector.Vector, error)
}

// KnnMatch is one result of a KvVectorStore nearest-neighbor query.
type KnnMatch struct {
	ID    uuid.UUID
	Score float64 // cosine similarity, higher is better
}

// KnnFilter scopes a k-NN query (e.g. to a user and subject kind).
type KnnFilter struct {
	UserID      *uuid.UUID
	SubjectKind string
}

// KvVectorStore is the standard key/value + vector-similarity port backing
// T2 lookups.
type KvVectorStore interface {
	KnnSearch(ctx context.Context, vec pgvector.Vector, k int, filter KnnFilter) ([]KnnMatch, error)
}

// Persistence is the table-level CRUD + transactional-batch port. Concrete
// SQL methods live on the adapter-specific interfaces in internal/db;
// this port only names the capability: a unit-of-work per request or
// job, committed once.
type Persistence interface {
	// WithTx runs fn inside a single transaction; fn's error, if any,
	// rolls the transaction back.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Clock is re-exported here so ports consumers don't need to import
// internal/clock directly when only the interface is needed.
type Clock interface {
	Now() time.Time
}
