package db

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/ingestion"
	"github.com/rawblock/expense-resolver/pkg/models"
)

// LookupFingerprint implements ingestion.Store.
func (s *Store) LookupFingerprint(ctx context.Context, fileHash string) (models.StatementFingerprint, bool, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, file_hash, column_mapping, header_row_idx, created_by_user_id, verified, uses, created_at
		FROM statement_fingerprints WHERE file_hash = $1`, fileHash)

	var fp models.StatementFingerprint
	var mappingBytes []byte
	if err := row.Scan(&fp.ID, &fp.FileHash, &mappingBytes, &fp.HeaderRowIdx, &fp.CreatedByUserID,
		&fp.Verified, &fp.Uses, &fp.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return models.StatementFingerprint{}, false, nil
		}
		return models.StatementFingerprint{}, false, apperr.Wrap(apperr.Internal, "lookup fingerprint", err)
	}
	if err := json.Unmarshal(mappingBytes, &fp.ColumnMapping); err != nil {
		return models.StatementFingerprint{}, false, apperr.Wrap(apperr.Internal, "decode column mapping", err)
	}

	return fp, true, nil
}

// TouchFingerprint implements ingestion.Store.
func (s *Store) TouchFingerprint(ctx context.Context, id uuid.UUID) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE statement_fingerprints SET uses = uses + 1 WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "fingerprint use accounting", err)
	}
	return nil
}

// SaveFingerprint implements ingestion.Store.
func (s *Store) SaveFingerprint(ctx context.Context, fp models.StatementFingerprint) error {
	mappingBytes, err := json.Marshal(fp.ColumnMapping)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode column mapping", err)
	}

	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO statement_fingerprints (id, file_hash, column_mapping, header_row_idx,
		                                     created_by_user_id, verified, uses, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (file_hash) DO NOTHING`,
		fp.ID, fp.FileHash, mappingBytes, fp.HeaderRowIdx, fp.CreatedByUserID, fp.Verified, fp.Uses, fp.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "save fingerprint", err)
	}
	return nil
}

// VerifyFingerprint implements ingestion.Store.
func (s *Store) VerifyFingerprint(ctx context.Context, id uuid.UUID) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE statement_fingerprints SET verified = true WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "verify fingerprint", err)
	}
	return nil
}

// ExistingDedupKeys implements ingestion.Store.
func (s *Store) ExistingDedupKeys(ctx context.Context, userID uuid.UUID, keys []string) (map[string]bool, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT dedup_key FROM transactions WHERE user_id = $1 AND dedup_key = ANY($2)`, userID, keys)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "existing dedup keys", err)
	}
	defer rows.Close()

	out := make(map[string]bool, len(keys))
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan dedup key", err)
		}
		out[key] = true
	}
	return out, rows.Err()
}

// InsertTransactions implements ingestion.Store. Each row's dedup key is
// recomputed from its own fields so it always matches what
// ExistingDedupKeys checks against, rather than threading a parallel slice
// through the port boundary.
func (s *Store) InsertTransactions(ctx context.Context, statementID uuid.UUID, rows []models.Transaction) (int, error) {
	inserted := 0
	err := s.WithTx(ctx, func(ctx context.Context) error {
		for _, t := range rows {
			key := ingestion.DedupKey(t.UserID, t.Date, t.Amount, t.Description)
			tag, err := s.q(ctx).Exec(ctx, `
				INSERT INTO transactions (id, user_id, statement_id, description, merchant_raw, amount,
				                           date, post_date, match_status, row_version, dedup_key)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)
				ON CONFLICT (user_id, dedup_key) DO NOTHING`,
				t.ID, t.UserID, statementID, t.Description, t.MerchantRaw, t.Amount,
				t.Date, t.PostDate, t.MatchStatus, key)
			if err != nil {
				return apperr.Wrap(apperr.Internal, "insert transaction", err)
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
