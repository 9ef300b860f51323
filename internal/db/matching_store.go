package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/pkg/models"
)

// GetReceipt implements matching.Store.
func (s *Store) GetReceipt(ctx context.Context, id uuid.UUID) (models.Receipt, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, blob_ref, ocr_status, vendor_extracted, date, amount, tax,
		       currency, line_items, match_status, row_version, created_at
		FROM receipts WHERE id = $1`, id)

	var r models.Receipt
	var lineItems []byte
	if err := row.Scan(&r.ID, &r.UserID, &r.BlobRef, &r.OcrStatus, &r.VendorExtracted, &r.Date,
		&r.Amount, &r.Tax, &r.Currency, &lineItems, &r.MatchStatus, &r.RowVersion, &r.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.Receipt{}, apperr.New(apperr.NotFound, "receipt not found")
		}
		return models.Receipt{}, apperr.Wrap(apperr.Internal, "get receipt", err)
	}
	return r, nil
}

// GetTransaction implements matching.Store.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, statement_id, description, merchant_raw, amount, date, post_date,
		       group_id, match_status, matched_receipt_id, category_code, reimbursability_source,
		       row_version, created_at
		FROM transactions WHERE id = $1`, id)

	var t models.Transaction
	if err := row.Scan(&t.ID, &t.UserID, &t.StatementID, &t.Description, &t.MerchantRaw, &t.Amount,
		&t.Date, &t.PostDate, &t.GroupID, &t.MatchStatus, &t.MatchedReceiptID, &t.CategoryCode,
		&t.ReimbursabilitySource, &t.RowVersion, &t.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.Transaction{}, apperr.New(apperr.NotFound, "transaction not found")
		}
		return models.Transaction{}, apperr.Wrap(apperr.Internal, "get transaction", err)
	}
	return t, nil
}

// UnmatchedTransactions implements matching.Store.
func (s *Store) UnmatchedTransactions(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.Transaction, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, user_id, statement_id, description, merchant_raw, amount, date, post_date,
		       group_id, match_status, matched_receipt_id, category_code, reimbursability_source,
		       row_version, created_at
		FROM transactions
		WHERE user_id = $1 AND match_status = 'unmatched' AND group_id IS NULL
		      AND date BETWEEN $2 AND $3`, userID, from, to)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "unmatched transactions", err)
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

// UnmatchedGroups implements matching.Store.
func (s *Store) UnmatchedGroups(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.TransactionGroup, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, user_id, name, display_date, combined_amount, members_count,
		       match_status, matched_receipt_id, row_version, created_at
		FROM transaction_groups
		WHERE user_id = $1 AND match_status = 'unmatched' AND display_date BETWEEN $2 AND $3`,
		userID, from, to)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "unmatched groups", err)
	}
	defer rows.Close()

	var out []models.TransactionGroup
	for rows.Next() {
		var g models.TransactionGroup
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &g.DisplayDate, &g.CombinedAmount, &g.MembersCount,
			&g.MatchStatus, &g.MatchedReceiptID, &g.RowVersion, &g.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan group", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetGroup implements matching.Store.
func (s *Store) GetGroup(ctx context.Context, id uuid.UUID) (models.TransactionGroup, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, name, display_date, combined_amount, members_count,
		       match_status, matched_receipt_id, row_version, created_at
		FROM transaction_groups WHERE id = $1`, id)

	var g models.TransactionGroup
	if err := row.Scan(&g.ID, &g.UserID, &g.Name, &g.DisplayDate, &g.CombinedAmount, &g.MembersCount,
		&g.MatchStatus, &g.MatchedReceiptID, &g.RowVersion, &g.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.TransactionGroup{}, apperr.New(apperr.NotFound, "transaction group not found")
		}
		return models.TransactionGroup{}, apperr.Wrap(apperr.Internal, "get group", err)
	}
	return g, nil
}

// LockReceiptForMatching takes a per-receipt advisory lock for the
// duration of the surrounding transaction, so at most one matching pass
// runs against a receipt at a time. Must be called inside WithTx.
func (s *Store) LockReceiptForMatching(ctx context.Context, receiptID uuid.UUID) error {
	if _, err := s.q(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, receiptID); err != nil {
		return apperr.Wrap(apperr.Internal, "receipt advisory lock", err)
	}
	return nil
}

// UnmatchedReceiptIDs implements matching.Store. Receipts with an open
// proposal are excluded so a batch matching run stays idempotent.
func (s *Store) UnmatchedReceiptIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT r.id FROM receipts r
		WHERE r.user_id = $1 AND r.match_status = 'unmatched' AND r.ocr_status = 'extracted'
		      AND NOT EXISTS (
		          SELECT 1 FROM matches m WHERE m.receipt_id = r.id AND m.status = 'proposed'
		      )
		ORDER BY r.created_at`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "unmatched receipts", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan receipt id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// VendorAliasMatch implements matching.Store.
func (s *Store) VendorAliasMatch(ctx context.Context, userID uuid.UUID, vendorA, vendorB string) (bool, error) {
	var count int
	err := s.q(ctx).QueryRow(ctx, `
		SELECT count(*) FROM vendor_aliases
		WHERE user_id IS NOT DISTINCT FROM $1::uuid AND NOT is_regex
		      AND ((vendor_pattern = $2 AND canonical_vendor = $3) OR (vendor_pattern = $3 AND canonical_vendor = $2))`,
		userID.String(), vendorA, vendorB).Scan(&count)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "vendor alias match", err)
	}
	return count > 0, nil
}

// RejectedPairActive implements matching.Store.
func (s *Store) RejectedPairActive(ctx context.Context, userID uuid.UUID, receiptVendor, txVendor string) (bool, error) {
	var count int
	err := s.q(ctx).QueryRow(ctx, `
		SELECT count(*) FROM rejected_pairs
		WHERE user_id = $1 AND receipt_vendor = $2 AND tx_vendor = $3 AND expires_at > now()`,
		userID, receiptVendor, txVendor).Scan(&count)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "rejected pair lookup", err)
	}
	return count > 0, nil
}

// CreateProposal implements matching.Store.
func (s *Store) CreateProposal(ctx context.Context, m *models.Match) error {
	row := s.q(ctx).QueryRow(ctx, `
		INSERT INTO matches (receipt_id, transaction_id, transaction_group_id, status, confidence,
		                      amount_score, date_score, vendor_score, reason, is_manual)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, row_version, created_at`,
		m.ReceiptID, m.TransactionID, m.TransactionGroupID, m.Status, m.Confidence,
		m.AmountScore, m.DateScore, m.VendorScore, m.Reason, m.IsManual)
	if err := row.Scan(&m.ID, &m.RowVersion, &m.CreatedAt); err != nil {
		return apperr.Wrap(apperr.Internal, "create proposal", err)
	}
	return nil
}

// GetMatch implements matching.Store.
func (s *Store) GetMatch(ctx context.Context, id uuid.UUID) (models.Match, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, receipt_id, transaction_id, transaction_group_id, status, confidence,
		       amount_score, date_score, vendor_score, reason, is_manual, confirmed_at,
		       row_version, created_at
		FROM matches WHERE id = $1`, id)

	var m models.Match
	if err := row.Scan(&m.ID, &m.ReceiptID, &m.TransactionID, &m.TransactionGroupID, &m.Status,
		&m.Confidence, &m.AmountScore, &m.DateScore, &m.VendorScore, &m.Reason, &m.IsManual,
		&m.ConfirmedAt, &m.RowVersion, &m.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.Match{}, apperr.New(apperr.NotFound, "match not found")
		}
		return models.Match{}, apperr.Wrap(apperr.Internal, "get match", err)
	}
	return m, nil
}

// ConfirmMatch implements matching.Store. Runs inside a transaction so the
// match row and its target (transaction or group) flip atomically, guarded
// by the match row's row_version.
func (s *Store) ConfirmMatch(ctx context.Context, matchID uuid.UUID, expectedMatchRowVersion int64, now time.Time) (models.Match, error) {
	var result models.Match
	err := s.WithTx(ctx, func(ctx context.Context) error {
		row := s.q(ctx).QueryRow(ctx, `
			UPDATE matches SET status = 'confirmed', confirmed_at = $3, row_version = row_version + 1
			WHERE id = $1 AND row_version = $2
			RETURNING id, receipt_id, transaction_id, transaction_group_id, status, confidence,
			          amount_score, date_score, vendor_score, reason, is_manual, confirmed_at,
			          row_version, created_at`,
			matchID, expectedMatchRowVersion, now)
		if err := row.Scan(&result.ID, &result.ReceiptID, &result.TransactionID, &result.TransactionGroupID,
			&result.Status, &result.Confidence, &result.AmountScore, &result.DateScore, &result.VendorScore,
			&result.Reason, &result.IsManual, &result.ConfirmedAt, &result.RowVersion, &result.CreatedAt); err != nil {
			if err == pgx.ErrNoRows {
				return apperr.New(apperr.Conflict, "match row_version mismatch")
			}
			return apperr.Wrap(apperr.Internal, "confirm match", err)
		}

		if _, err := s.q(ctx).Exec(ctx, `UPDATE receipts SET match_status = 'matched', row_version = row_version + 1 WHERE id = $1`, result.ReceiptID); err != nil {
			return apperr.Wrap(apperr.Internal, "flip receipt matched", err)
		}

		if result.TransactionID != nil {
			tag, err := s.q(ctx).Exec(ctx, `
				UPDATE transactions SET match_status = 'matched', matched_receipt_id = $2, row_version = row_version + 1
				WHERE id = $1`, *result.TransactionID, result.ReceiptID)
			if err != nil {
				return apperr.Wrap(apperr.Internal, "flip transaction matched", err)
			}
			if tag.RowsAffected() == 0 {
				return apperr.New(apperr.Conflict, "transaction row vanished during confirm")
			}
		} else if result.TransactionGroupID != nil {
			if _, err := s.q(ctx).Exec(ctx, `
				UPDATE transaction_groups SET match_status = 'matched', matched_receipt_id = $2, row_version = row_version + 1
				WHERE id = $1`, *result.TransactionGroupID, result.ReceiptID); err != nil {
				return apperr.Wrap(apperr.Internal, "flip group matched", err)
			}
		}
		return nil
	})
	if err != nil {
		return models.Match{}, err
	}
	return result, nil
}

// UnmatchMatch implements matching.Store.
func (s *Store) UnmatchMatch(ctx context.Context, matchID uuid.UUID, expectedMatchRowVersion int64, now time.Time) (models.Match, error) {
	var result models.Match
	err := s.WithTx(ctx, func(ctx context.Context) error {
		row := s.q(ctx).QueryRow(ctx, `
			UPDATE matches SET status = 'rejected', row_version = row_version + 1
			WHERE id = $1 AND row_version = $2
			RETURNING id, receipt_id, transaction_id, transaction_group_id, status, confidence,
			          amount_score, date_score, vendor_score, reason, is_manual, confirmed_at,
			          row_version, created_at`,
			matchID, expectedMatchRowVersion)
		if err := row.Scan(&result.ID, &result.ReceiptID, &result.TransactionID, &result.TransactionGroupID,
			&result.Status, &result.Confidence, &result.AmountScore, &result.DateScore, &result.VendorScore,
			&result.Reason, &result.IsManual, &result.ConfirmedAt, &result.RowVersion, &result.CreatedAt); err != nil {
			if err == pgx.ErrNoRows {
				return apperr.New(apperr.Conflict, "match row_version mismatch")
			}
			return apperr.Wrap(apperr.Internal, "unmatch", err)
		}

		if _, err := s.q(ctx).Exec(ctx, `UPDATE receipts SET match_status = 'unmatched', row_version = row_version + 1 WHERE id = $1`, result.ReceiptID); err != nil {
			return apperr.Wrap(apperr.Internal, "revert receipt", err)
		}
		if result.TransactionID != nil {
			if _, err := s.q(ctx).Exec(ctx, `
				UPDATE transactions SET match_status = 'unmatched', matched_receipt_id = NULL, row_version = row_version + 1
				WHERE id = $1`, *result.TransactionID); err != nil {
				return apperr.Wrap(apperr.Internal, "revert transaction", err)
			}
		} else if result.TransactionGroupID != nil {
			if _, err := s.q(ctx).Exec(ctx, `
				UPDATE transaction_groups SET match_status = 'unmatched', matched_receipt_id = NULL, row_version = row_version + 1
				WHERE id = $1`, *result.TransactionGroupID); err != nil {
				return apperr.Wrap(apperr.Internal, "revert group", err)
			}
		}
		_ = now
		return nil
	})
	if err != nil {
		return models.Match{}, err
	}
	return result, nil
}

// UpsertVendorAlias implements matching.Store.
func (s *Store) UpsertVendorAlias(ctx context.Context, alias models.VendorAlias) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO vendor_aliases (id, user_id, vendor_pattern, is_regex, canonical_vendor,
		                             default_category_code, confirmed_by_user_id, confirmed_at)
		VALUES (gen_random_uuid(), $1::uuid, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`,
		userIDArg(alias.UserID), alias.VendorPattern, alias.IsRegex, alias.CanonicalVendor,
		alias.DefaultCategory, alias.ConfirmedByUserID, alias.ConfirmedAt)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "upsert vendor alias", err)
	}
	return nil
}

// InsertRejectedPair implements matching.Store.
func (s *Store) InsertRejectedPair(ctx context.Context, pair models.RejectedPair) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO rejected_pairs (user_id, receipt_vendor, tx_vendor, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, receipt_vendor, tx_vendor) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		pair.UserID, pair.ReceiptVendor, pair.TxVendor, pair.ExpiresAt)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "insert rejected pair", err)
	}
	return nil
}

// InsertPredictionFeedback implements matching.Store.
func (s *Store) InsertPredictionFeedback(ctx context.Context, fb models.PredictionFeedback) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO prediction_feedback (id, subject_id, field, original, corrected, user_id, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, now())`,
		fb.SubjectID, fb.Field, fb.Original, fb.Corrected, fb.UserID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "insert prediction feedback", err)
	}
	return nil
}
