package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/ports"
	"github.com/rawblock/expense-resolver/internal/resolver"
)

// userIDArg turns a nullable user UUID into a query argument: a string for
// a present user, or nil for a global (cross-user) row.
func userIDArg(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

// Lookup implements resolver.CacheStore.
func (s *Store) Lookup(ctx context.Context, userID *uuid.UUID, canonicalForm string) (resolver.CacheEntry, bool, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT normalized_value, confidence FROM description_cache
		WHERE canonical_form = $1 AND user_id IS NOT DISTINCT FROM $2::uuid`,
		canonicalForm, userIDArg(userID))

	var entry resolver.CacheEntry
	if err := row.Scan(&entry.NormalizedValue, &entry.Confidence); err != nil {
		if err == pgx.ErrNoRows {
			return resolver.CacheEntry{}, false, nil
		}
		return resolver.CacheEntry{}, false, apperr.Wrap(apperr.Internal, "description_cache lookup", err)
	}

	if _, err := s.q(ctx).Exec(ctx, `
		UPDATE description_cache SET hit_count = hit_count + 1, last_used_at = now()
		WHERE canonical_form = $1 AND user_id IS NOT DISTINCT FROM $2::uuid`,
		canonicalForm, userIDArg(userID)); err != nil {
		return resolver.CacheEntry{}, false, apperr.Wrap(apperr.Internal, "description_cache hit accounting", err)
	}

	return entry, true, nil
}

// Upsert implements resolver.CacheStore.
func (s *Store) Upsert(ctx context.Context, userID *uuid.UUID, canonicalForm, normalizedValue string, confidence float64) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO description_cache (user_id, canonical_form, normalized_value, confidence, last_used_at, hit_count)
		VALUES ($1::uuid, $2, $3, $4, now(), 1)
		ON CONFLICT (user_id, canonical_form) DO UPDATE SET
			normalized_value = EXCLUDED.normalized_value,
			confidence = EXCLUDED.confidence,
			last_used_at = now()`,
		userIDArg(userID), canonicalForm, normalizedValue, confidence)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "description_cache upsert", err)
	}
	return nil
}

// Resolve implements resolver.EmbeddingSeedStore.
func (s *Store) Resolve(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]resolver.EmbeddingSeed, error) {
	idArgs := make([]string, len(ids))
	for i, id := range ids {
		idArgs[i] = id.String()
	}

	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, subject_text, COALESCE(verified_at, created_at) FROM expense_embeddings
		WHERE id = ANY($1::uuid[])`, idArgs)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "embedding seed resolve", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]resolver.EmbeddingSeed, len(ids))
	for rows.Next() {
		var seed resolver.EmbeddingSeed
		if err := rows.Scan(&seed.ID, &seed.NormalizedValue, &seed.VerifiedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "embedding seed scan", err)
		}
		out[seed.ID] = seed
	}
	return out, rows.Err()
}

// SeedVerified implements resolver.EmbeddingSeedStore.
func (s *Store) SeedVerified(ctx context.Context, userID *uuid.UUID, text, normalizedValue string, vec pgvector.Vector) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO expense_embeddings (user_id, subject_kind, subject_text, vector, category_code, verified_by_user, verified_at)
		VALUES ($1::uuid, 'vendor', $2, $3, $4, true, now())`,
		userIDArg(userID), text, vec, normalizedValue)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "embedding seed writeback", err)
	}
	return nil
}

// KnnSearch implements ports.KvVectorStore against pgvector's cosine
// distance operator. Score is returned as similarity (1 - distance) so
// higher is always better, matching the resolver's threshold contract.
// The secondary sort (most-recently-verified first, then smallest id)
// makes the row order deterministic among near-ties, since the resolver's
// tie-break rule picks its winner by taking the first row back.
func (s *Store) KnnSearch(ctx context.Context, vec pgvector.Vector, k int, filter ports.KnnFilter) ([]ports.KnnMatch, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, 1 - (vector <=> $1) AS score FROM expense_embeddings
		WHERE subject_kind = $2 AND user_id IS NOT DISTINCT FROM $3::uuid
		ORDER BY vector <=> $1, COALESCE(verified_at, created_at) DESC, id ASC
		LIMIT $4`,
		vec, filter.SubjectKind, userIDArg(filter.UserID), k)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "knn search", err)
	}
	defer rows.Close()

	var out []ports.KnnMatch
	for rows.Next() {
		var m ports.KnnMatch
		if err := rows.Scan(&m.ID, &m.Score); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "knn search scan", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
