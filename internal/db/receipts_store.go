package db

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/pkg/models"
)

// CreateReceipt inserts a freshly uploaded, not-yet-extracted receipt row.
// Not part of the matching.Store port (matching only ever reads receipts);
// the API and worker layers call this directly against the concrete Store.
func (s *Store) CreateReceipt(ctx context.Context, r *models.Receipt) error {
	row := s.q(ctx).QueryRow(ctx, `
		INSERT INTO receipts (id, user_id, blob_ref, ocr_status, vendor_extracted, currency,
		                       confidence_by_field, line_items, match_status, row_version)
		VALUES ($1, $2, $3, $4, '', $5, '{}', '[]', 'unmatched', 1)
		RETURNING row_version, created_at`,
		r.ID, r.UserID, r.BlobRef, r.OcrStatus, r.Currency)
	if err := row.Scan(&r.RowVersion, &r.CreatedAt); err != nil {
		return apperr.Wrap(apperr.Internal, "create receipt", err)
	}
	return nil
}

// UpdateReceiptExtraction writes back OCR-extracted fields and flips
// ocr_status, guarded by row_version like every other mutation in this
// adapter.
func (s *Store) UpdateReceiptExtraction(ctx context.Context, r models.Receipt) error {
	confBytes, err := json.Marshal(r.ConfidenceByField)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode confidence map", err)
	}
	lineBytes, err := json.Marshal(r.LineItems)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode line items", err)
	}

	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE receipts SET ocr_status = $3, vendor_extracted = $4, date = $5, amount = $6, tax = $7,
		                     confidence_by_field = $8, line_items = $9, row_version = row_version + 1
		WHERE id = $1 AND row_version = $2`,
		r.ID, r.RowVersion, r.OcrStatus, r.VendorExtracted, r.Date, r.Amount, r.Tax, confBytes, lineBytes)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "update receipt extraction", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.Conflict, "receipt row_version mismatch")
	}
	return nil
}

// correctableReceiptColumns maps an ExtractionCorrection.Field to the
// receipts column it overwrites. Only text-valued fields are supported
// here; amount/date corrections go through UpdateReceiptExtraction since
// they need type-aware parsing the generic correction path doesn't do.
var correctableReceiptColumns = map[string]string{
	"vendor": "vendor_extracted",
}

// CorrectReceiptField applies a user's correction to one OCR-extracted
// receipt field and records it as an ExtractionCorrection, in the same
// transaction so the correction log never disagrees with the row it
// describes.
func (s *Store) CorrectReceiptField(ctx context.Context, receiptID uuid.UUID, field, corrected string, rowVersion int64, userID uuid.UUID) (models.Receipt, error) {
	column, ok := correctableReceiptColumns[field]
	if !ok {
		return models.Receipt{}, apperr.New(apperr.ValidationError, "unsupported correction field: "+field)
	}

	var result models.Receipt
	err := s.WithTx(ctx, func(ctx context.Context) error {
		r, err := s.GetReceipt(ctx, receiptID)
		if err != nil {
			return err
		}
		original := r.VendorExtracted

		tag, err := s.q(ctx).Exec(ctx, `
			UPDATE receipts SET `+column+` = $3, row_version = row_version + 1
			WHERE id = $1 AND row_version = $2`,
			receiptID, rowVersion, corrected)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "correct receipt field", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.Conflict, "receipt row_version mismatch")
		}

		if _, err := s.q(ctx).Exec(ctx, `
			INSERT INTO extraction_corrections (id, subject_id, field, original, corrected, user_id, created_at)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, now())`,
			receiptID, field, original, corrected, userID); err != nil {
			return apperr.Wrap(apperr.Internal, "insert extraction correction", err)
		}

		result, err = s.GetReceipt(ctx, receiptID)
		return err
	})
	if err != nil {
		return models.Receipt{}, err
	}
	return result, nil
}

// ListReceipts returns a user's receipts, most recent first.
func (s *Store) ListReceipts(ctx context.Context, userID uuid.UUID) ([]models.Receipt, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, user_id, blob_ref, ocr_status, vendor_extracted, date, amount, tax,
		       currency, line_items, match_status, row_version, created_at
		FROM receipts WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list receipts", err)
	}
	defer rows.Close()

	var out []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var lineItems []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.BlobRef, &r.OcrStatus, &r.VendorExtracted, &r.Date,
			&r.Amount, &r.Tax, &r.Currency, &lineItems, &r.MatchStatus, &r.RowVersion, &r.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan receipt", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListMatchProposals returns a user's currently-proposed matches, joined
// through the receipt to scope by owner.
func (s *Store) ListMatchProposals(ctx context.Context, userID uuid.UUID) ([]models.Match, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT m.id, m.receipt_id, m.transaction_id, m.transaction_group_id, m.status, m.confidence,
		       m.amount_score, m.date_score, m.vendor_score, m.reason, m.is_manual, m.confirmed_at,
		       m.row_version, m.created_at
		FROM matches m
		JOIN receipts r ON r.id = m.receipt_id
		WHERE r.user_id = $1 AND m.status = 'proposed'
		ORDER BY m.created_at DESC`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list proposals", err)
	}
	defer rows.Close()

	var out []models.Match
	for rows.Next() {
		var m models.Match
		if err := rows.Scan(&m.ID, &m.ReceiptID, &m.TransactionID, &m.TransactionGroupID, &m.Status,
			&m.Confidence, &m.AmountScore, &m.DateScore, &m.VendorScore, &m.Reason, &m.IsManual,
			&m.ConfirmedAt, &m.RowVersion, &m.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan proposal", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListJobs returns jobs for userID (or every job, if userID is nil), most
// recently updated first. Used by the jobs-list endpoint and by operators
// diagnosing a stuck queue.
func (s *Store) ListJobs(ctx context.Context, userID *uuid.UUID) ([]models.Job, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id IS NOT DISTINCT FROM $1::uuid OR $1::uuid IS NULL
		ORDER BY updated_at DESC LIMIT 200`, userIDArg(userID))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list jobs", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan job", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// scanJobRow mirrors scanJob but scans from pgx.Rows instead of pgx.Row.
func scanJobRow(rows pgx.Rows) (models.Job, error) {
	var j models.Job
	err := rows.Scan(&j.ID, &j.Kind, &j.UserID, &j.Payload, &j.Status, &j.Attempt, &j.MaxAttempts,
		&j.NextVisibleAt, &j.LeaseOwner, &j.LeaseExpiresAt, &j.Progress.Total, &j.Progress.Processed,
		&j.Progress.Failed, &j.ResultRef, &j.Error, &j.RowVersion, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}
