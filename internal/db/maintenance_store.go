package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/pkg/models"
)

// TransactionsInRange returns every transaction for userID dated within
// [from, to], oldest first, for report generation.
func (s *Store) TransactionsInRange(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.Transaction, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, user_id, statement_id, description, merchant_raw, amount, date, post_date,
		       group_id, match_status, matched_receipt_id, category_code, reimbursability_source,
		       row_version, created_at
		FROM transactions
		WHERE user_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date, created_at`, userID, from, to)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "transactions in range", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.StatementID, &t.Description, &t.MerchantRaw, &t.Amount,
			&t.Date, &t.PostDate, &t.GroupID, &t.MatchStatus, &t.MatchedReceiptID, &t.CategoryCode,
			&t.ReimbursabilitySource, &t.RowVersion, &t.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan transaction", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReplaceGLCodes syncs the chart of accounts: every listed code is
// upserted as active, and codes absent from the snapshot are deactivated
// (never deleted, since transactions may still reference them).
func (s *Store) ReplaceGLCodes(ctx context.Context, codes []models.GLCode, now time.Time) (int, error) {
	applied := 0
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.q(ctx).Exec(ctx, `UPDATE gl_codes SET active = false`); err != nil {
			return apperr.Wrap(apperr.Internal, "deactivate gl codes", err)
		}
		for _, c := range codes {
			if _, err := s.q(ctx).Exec(ctx, `
				INSERT INTO gl_codes (code, name, dept_code, active, synced_at)
				VALUES ($1, $2, $3, true, $4)
				ON CONFLICT (code) DO UPDATE SET
					name = EXCLUDED.name,
					dept_code = EXCLUDED.dept_code,
					active = true,
					synced_at = EXCLUDED.synced_at`,
				c.Code, c.Name, c.DeptCode, now); err != nil {
				return apperr.Wrap(apperr.Internal, "upsert gl code", err)
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// FrequentDescriptions returns userID's most frequent transaction
// descriptions, most common first, for the cache-warming job. The caller
// canonicalizes each and skips anything the T1 cache already covers.
func (s *Store) FrequentDescriptions(ctx context.Context, userID uuid.UUID, limit int) ([]string, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT description FROM transactions
		WHERE user_id = $1 AND description <> ''
		GROUP BY description
		ORDER BY count(*) DESC, description
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "frequent descriptions", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan description", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PromoteGlobalEmbeddings copies per-user verified embeddings to global
// scope (user_id NULL) once minUsers distinct users have independently
// confirmed the same normalized value for the same subject text. The most
// recently verified row supplies the vector.
func (s *Store) PromoteGlobalEmbeddings(ctx context.Context, minUsers int) (int, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		INSERT INTO expense_embeddings
			(user_id, subject_kind, subject_text, vector, category_code, verified_by_user, verified_at)
		SELECT DISTINCT ON (e.subject_kind, e.subject_text, e.category_code)
			NULL, e.subject_kind, e.subject_text, e.vector, e.category_code, true, now()
		FROM expense_embeddings e
		WHERE e.user_id IS NOT NULL AND e.verified_by_user
		  AND (SELECT count(DISTINCT o.user_id) FROM expense_embeddings o
		       WHERE o.user_id IS NOT NULL AND o.verified_by_user
		         AND o.subject_kind = e.subject_kind
		         AND o.subject_text = e.subject_text
		         AND o.category_code IS NOT DISTINCT FROM e.category_code) >= $1
		  AND NOT EXISTS (SELECT 1 FROM expense_embeddings g
		       WHERE g.user_id IS NULL
		         AND g.subject_kind = e.subject_kind
		         AND g.subject_text = e.subject_text
		         AND g.category_code IS NOT DISTINCT FROM e.category_code)
		ORDER BY e.subject_kind, e.subject_text, e.category_code, e.verified_at DESC`, minUsers)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "promote global embeddings", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeStaleEmbeddings deletes embedding rows past their stale_after
// deadline.
func (s *Store) PurgeStaleEmbeddings(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		DELETE FROM expense_embeddings
		WHERE stale_after IS NOT NULL AND stale_after < $1`, now)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "purge stale embeddings", err)
	}
	return int(tag.RowsAffected()), nil
}
