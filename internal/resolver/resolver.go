// Package resolver implements the Tiered Resolver: the cost hierarchy
// engine (T1 exact-cache → T2 vector-similarity → T3 small-LLM → T4
// large-LLM) that every AI-decided question in the system flows through.
package resolver

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/clock"
	"github.com/rawblock/expense-resolver/internal/config"
	"github.com/rawblock/expense-resolver/internal/ports"
)

// QuestionKind names the shape of the question being resolved. Each kind
// maps to its own prompt template and JSON schema at T3/T4.
type QuestionKind string

const (
	QuestionNormalizeVendor  QuestionKind = "normalize_vendor"
	QuestionSuggestGLCode    QuestionKind = "suggest_gl_code"
	QuestionColumnMapping    QuestionKind = "column_mapping"
)

// Tier is the cheapest-first resolution layer that produced an Answer.
type Tier string

const (
	TierExactCache Tier = "T1"
	TierVector     Tier = "T2"
	TierSmallLLM   Tier = "T3"
	TierLargeLLM   Tier = "T4"
)

// Question is the caller's resolution request.
type Question struct {
	Kind      QuestionKind
	UserID    *uuid.UUID
	RawInput  string
	Prompt    string // fully rendered T3/T4 prompt, kind-specific
	Schema    []byte // JSON schema the T3/T4 response must satisfy
}

// Answer is the resolver's response, carrying provenance for both the
// caller and the observability record.
type Answer struct {
	Value      json.RawMessage
	Tier       Tier
	CostEstimate float64
	Confidence float64
	SourceID   *uuid.UUID
}

// Record is the one observability record emitted per resolution, letting
// callers track cost and accuracy per tier.
type Record struct {
	QuestionKind      QuestionKind
	CanonicalFormHash string
	TierReached       Tier
	CacheHit          bool
	Confidence        float64
	LatencyMs         int64
	ProviderID        string
	CostEstimate      float64
}

// CacheEntry is a T1 exact-cache hit or writeback candidate.
type CacheEntry struct {
	NormalizedValue string
	Confidence      float64
}

// CacheStore is the T1 exact-cache port: key-equality on a canonical form.
// Implemented by internal/db against the description_cache table.
type CacheStore interface {
	Lookup(ctx context.Context, userID *uuid.UUID, canonicalForm string) (CacheEntry, bool, error)
	Upsert(ctx context.Context, userID *uuid.UUID, canonicalForm, normalizedValue string, confidence float64) error
}

// EmbeddingSeed is a verified-embedding candidate row used for T2 k-NN.
type EmbeddingSeed struct {
	ID              uuid.UUID
	NormalizedValue string
	VerifiedAt      time.Time
}

// EmbeddingSeedStore resolves T2 k-NN matches back to their normalized
// values and records new verified seeds on writeback.
type EmbeddingSeedStore interface {
	Resolve(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]EmbeddingSeed, error)
	SeedVerified(ctx context.Context, userID *uuid.UUID, text, normalizedValue string, vec pgvector.Vector) error
}

// Deps bundles every external capability the Resolver needs, assembled at
// the composition root.
type Deps struct {
	Embedding ports.EmbeddingProvider
	Vectors   ports.KvVectorStore
	Small     ports.LlmProvider
	Large     ports.LlmProvider
	Cache     CacheStore
	Seeds     EmbeddingSeedStore
	Clock     clock.Clock
}

// Resolver orchestrates the four tiers for every question kind.
type Resolver struct {
	deps Deps
	cfg  config.ResolverConfig

	smallBreaker *Breaker
	largeBreaker *Breaker

	onRecord func(Record)
}

// New constructs a Resolver. breakerCfg sizes the per-provider circuit
// breakers shared by T3 and T4.
func New(deps Deps, cfg config.ResolverConfig, breakerCfg config.BreakerConfig, onRecord func(Record)) *Resolver {
	mk := func() *Breaker {
		return NewBreaker(breakerCfg.WindowSize, breakerCfg.ErrorRateOpen, breakerCfg.TimeoutRateOpen, breakerCfg.HalfOpenAfter, breakerCfg.CloseAfterOK)
	}
	return &Resolver{
		deps:         deps,
		cfg:          cfg,
		smallBreaker: mk(),
		largeBreaker: mk(),
		onRecord:     onRecord,
	}
}

// Resolve answers q, trying T1 then T2 then T3 then T4, short-circuiting on
// the first success. Returns ProviderUnavailable if every remaining tier's
// breaker is open.
func (r *Resolver) Resolve(ctx context.Context, q Question) (Answer, error) {
	start := r.deps.Clock.Now()
	canonical := Canonicalize(q.RawInput)
	hash := CanonicalFormHash(canonical)

	rec := Record{QuestionKind: q.Kind, CanonicalFormHash: hash}
	emit := func(a Answer, err error) (Answer, error) {
		rec.LatencyMs = r.deps.Clock.Now().Sub(start).Milliseconds()
		if err == nil {
			rec.TierReached = a.Tier
			rec.CacheHit = a.Tier == TierExactCache
			rec.Confidence = a.Confidence
			rec.CostEstimate = a.CostEstimate
		}
		if r.onRecord != nil {
			r.onRecord(rec)
		}
		return a, err
	}

	// T1: exact cache.
	if entry, ok, err := r.deps.Cache.Lookup(ctx, q.UserID, canonical); err != nil {
		log.Printf("[Resolver] T1 lookup error for %s: %v", hash, err)
	} else if ok {
		val, _ := json.Marshal(entry.NormalizedValue)
		return emit(Answer{Value: val, Tier: TierExactCache, CostEstimate: 0, Confidence: entry.Confidence}, nil)
	}

	// T2: vector similarity, only meaningful for free-text normalization
	// questions (not column_mapping, which has no embeddable subject).
	if q.Kind == QuestionNormalizeVendor || q.Kind == QuestionSuggestGLCode {
		if a, ok, err := r.tryVector(ctx, q, canonical); err != nil {
			log.Printf("[Resolver] T2 error for %s: %v", hash, err)
		} else if ok {
			return emit(a, nil)
		}
	}

	// T3: small LLM.
	if r.smallBreaker.Allow() {
		a, err := r.callLLM(ctx, q, TierSmallLLM, r.deps.Small, r.smallBreaker, r.cfg.SmallLLMMinConfidence)
		if err == nil {
			return emit(a, nil)
		}
		log.Printf("[Resolver] T3 declined for %s: %v", hash, err)
	} else {
		log.Printf("[Resolver] T3 breaker open, skipping to T4 for %s", hash)
	}

	// T4: large LLM, always terminal when reached.
	if r.largeBreaker.Allow() {
		a, err := r.callLLM(ctx, q, TierLargeLLM, r.deps.Large, r.largeBreaker, 0)
		if err == nil {
			return emit(a, nil)
		}
		return emit(Answer{}, apperr.Wrap(apperr.ProviderUnavailable, "T4 call failed", err))
	}

	return emit(Answer{}, apperr.New(apperr.ProviderUnavailable, "all remaining tiers unavailable (breaker open)"))
}

// Per-provider upstream timeouts; expiry counts as a transient failure
// and feeds the tier's circuit breaker.
const (
	smallLLMTimeout  = 30 * time.Second
	largeLLMTimeout  = 90 * time.Second
	embeddingTimeout = 10 * time.Second
)

// tryVector performs the T2 lookup: embed the canonical form, k-NN search
// the verified-embedding set, and accept the top match if it clears both
// the absolute-similarity and margin-over-second-place thresholds.
func (r *Resolver) tryVector(ctx context.Context, q Question, canonical string) (Answer, bool, error) {
	embedCtx, cancel := context.WithTimeout(ctx, embeddingTimeout)
	defer cancel()
	vecs, err := r.deps.Embedding.Embed(embedCtx, []string{canonical})
	if err != nil || len(vecs) == 0 {
		return Answer{}, false, err
	}

	matches, err := r.deps.Vectors.KnnSearch(ctx, vecs[0], 2, ports.KnnFilter{UserID: q.UserID, SubjectKind: string(subjectKindFor(q.Kind))})
	if err != nil {
		return Answer{}, false, err
	}
	if len(matches) == 0 {
		return Answer{}, false, nil
	}

	// KnnSearch already orders by similarity then by verified_at DESC, id
	// ASC, so a stable re-sort on score alone preserves that tiebreak for
	// any pair within withinEpsilon of each other instead of leaving their
	// relative order to chance.
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	top := matches[0]
	if top.Score < r.cfg.VectorSimilarityThreshold {
		return Answer{}, false, nil
	}
	if len(matches) > 1 {
		margin := top.Score - matches[1].Score
		if margin < r.cfg.VectorMarginThreshold && !withinEpsilon(top.Score, matches[1].Score) {
			return Answer{}, false, nil
		}
	}

	seeds, err := r.deps.Seeds.Resolve(ctx, []uuid.UUID{top.ID})
	if err != nil {
		return Answer{}, false, err
	}
	seed, ok := seeds[top.ID]
	if !ok {
		return Answer{}, false, nil
	}

	val, _ := json.Marshal(seed.NormalizedValue)
	return Answer{Value: val, Tier: TierVector, CostEstimate: 1, Confidence: top.Score, SourceID: &seed.ID}, true, nil
}

// withinEpsilon reports whether two similarity scores are equal to within
// the tie-break tolerance named in the tiered-resolver contract.
func withinEpsilon(a, b float64) bool {
	const eps = 1e-6
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= eps
}

func subjectKindFor(k QuestionKind) string {
	switch k {
	case QuestionSuggestGLCode:
		return "description"
	default:
		return "vendor"
	}
}

// callLLM drives one T3 or T4 attempt and records its outcome against the
// tier's breaker. minConfidence is 0 for T4, which is always terminal.
func (r *Resolver) callLLM(ctx context.Context, q Question, tier Tier, provider ports.LlmProvider, breaker *Breaker, minConfidence float64) (Answer, error) {
	modelClass := ports.ModelSmall
	costEstimate := 1.0
	timeout := smallLLMTimeout
	if tier == TierLargeLLM {
		modelClass = ports.ModelLarge
		costEstimate = 30.0
		timeout = largeLLMTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := provider.Complete(callCtx, q.Prompt, q.Schema, ports.CompletionOptions{
		Temperature: 0,
		MaxTokens:   1024,
		ModelClass:  modelClass,
	})
	if err != nil {
		breaker.RecordResult(false, callCtx.Err() != nil)
		return Answer{}, apperr.Wrap(apperr.ProviderTransient, string(tier)+" completion failed", err)
	}

	var parsed struct {
		Value      json.RawMessage `json:"value"`
		Confidence float64         `json:"confidence"`
	}
	if err := json.Unmarshal(result.Content, &parsed); err != nil {
		breaker.RecordResult(false, false)
		return Answer{}, apperr.Wrap(apperr.ProviderTransient, string(tier)+" response did not match schema", err)
	}

	if minConfidence > 0 && parsed.Confidence < minConfidence {
		breaker.RecordResult(true, false)
		return Answer{}, apperr.New(apperr.Internal, string(tier)+" confidence below threshold")
	}

	breaker.RecordResult(true, false)
	return Answer{Value: parsed.Value, Tier: tier, CostEstimate: costEstimate, Confidence: parsed.Confidence}, nil
}

// Confirm records a user's acceptance of an answer: it writes back to the
// T1 cache unconditionally, and if the answer came from T3/T4, also seeds
// a verified embedding so future lookups can resolve at T2.
func (r *Resolver) Confirm(ctx context.Context, q Question, a Answer) error {
	canonical := Canonicalize(q.RawInput)

	var normalized string
	if err := json.Unmarshal(a.Value, &normalized); err != nil {
		return apperr.Wrap(apperr.ValidationError, "answer value is not a normalized string", err)
	}

	if err := r.deps.Cache.Upsert(ctx, q.UserID, canonical, normalized, a.Confidence); err != nil {
		return apperr.Wrap(apperr.Internal, "cache writeback failed", err)
	}

	if a.Tier == TierSmallLLM || a.Tier == TierLargeLLM {
		embedCtx, cancel := context.WithTimeout(ctx, embeddingTimeout)
		defer cancel()
		vecs, err := r.deps.Embedding.Embed(embedCtx, []string{canonical})
		if err != nil || len(vecs) == 0 {
			log.Printf("[Resolver] embedding writeback skipped: %v", err)
			return nil
		}
		if err := r.deps.Seeds.SeedVerified(ctx, q.UserID, canonical, normalized, vecs[0]); err != nil {
			log.Printf("[Resolver] verified embedding seed failed: %v", err)
		}
	}

	return nil
}
