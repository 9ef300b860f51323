package db

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/pkg/models"
)

// UpdateTransactionCategory writes back a resolver-suggested (or
// user-overridden) GL code, used by the categorize_transaction job and by
// manual corrections from the API.
func (s *Store) UpdateTransactionCategory(ctx context.Context, id uuid.UUID, categoryCode string, source string) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE transactions SET category_code = $2, reimbursability_source = $3, row_version = row_version + 1
		WHERE id = $1`, id, categoryCode, source)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "update transaction category", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "transaction not found")
	}
	return nil
}

// UncategorizedTransactions returns transactions still missing a category
// code, used to seed categorize_transaction jobs.
func (s *Store) UncategorizedTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id FROM transactions WHERE user_id = $1 AND category_code IS NULL LIMIT $2`, userID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "uncategorized transactions", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan transaction id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertSplitPattern validates the 100%±0.01 allocation invariant and
// persists a user-defined split pattern, replacing any existing pattern for
// the same (user, trigger_vendor) pair.
func (s *Store) UpsertSplitPattern(ctx context.Context, p *models.SplitPattern) error {
	if !p.Valid() {
		return apperr.New(apperr.ValidationError, "split pattern allocations must sum to 100 (±0.01)")
	}
	allocJSON, err := json.Marshal(p.Allocations)
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, "marshal split pattern allocations", err)
	}
	row := s.q(ctx).QueryRow(ctx, `
		INSERT INTO split_patterns (user_id, trigger_vendor, allocations)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, trigger_vendor) DO UPDATE SET allocations = EXCLUDED.allocations
		RETURNING id, created_at`,
		p.UserID, p.TriggerVendor, allocJSON)
	if err := row.Scan(&p.ID, &p.CreatedAt); err != nil {
		return apperr.Wrap(apperr.Internal, "upsert split pattern", err)
	}
	return nil
}

// SplitPatternByVendor looks up a user's split pattern for a trigger vendor,
// used by categorize_transaction to apply a known allocation instead of
// asking the resolver for a single GL code.
func (s *Store) SplitPatternByVendor(ctx context.Context, userID uuid.UUID, vendor string) (*models.SplitPattern, bool, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, trigger_vendor, allocations, created_at FROM split_patterns
		WHERE user_id = $1 AND trigger_vendor = $2`, userID, vendor)

	var p models.SplitPattern
	var allocJSON []byte
	if err := row.Scan(&p.ID, &p.UserID, &p.TriggerVendor, &allocJSON, &p.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, apperr.Wrap(apperr.Internal, "split pattern lookup", err)
	}
	if err := json.Unmarshal(allocJSON, &p.Allocations); err != nil {
		return nil, false, apperr.Wrap(apperr.Internal, "unmarshal split pattern allocations", err)
	}
	return &p, true, nil
}

// ApplyTransactionSplit writes back the split pattern a transaction was
// categorized under, standing in for the single category_code write
// UpdateTransactionCategory performs when no pattern applies.
func (s *Store) ApplyTransactionSplit(ctx context.Context, id uuid.UUID, patternID uuid.UUID) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE transactions SET split_pattern_id = $2, reimbursability_source = $3, row_version = row_version + 1
		WHERE id = $1`, id, patternID, string(models.ReimbursabilityPrediction))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "apply transaction split", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "transaction not found")
	}
	return nil
}
