package ingestion

import (
	"context"

	"github.com/google/uuid"

	"github.com/rawblock/expense-resolver/pkg/models"
)

// Store is the persistence port the ingestion pipeline reads and writes
// through: fingerprint cache lookups, dedup-key checks, and the eventual
// transaction batch insert.
type Store interface {
	LookupFingerprint(ctx context.Context, fileHash string) (models.StatementFingerprint, bool, error)
	SaveFingerprint(ctx context.Context, fp models.StatementFingerprint) error
	VerifyFingerprint(ctx context.Context, id uuid.UUID) error

	// TouchFingerprint bumps the reuse counter when a cached mapping
	// replays a parse without a resolver call.
	TouchFingerprint(ctx context.Context, id uuid.UUID) error

	// ExistingDedupKeys returns the subset of the given keys that already
	// exist in the database, scoped to userID, so the caller can skip
	// re-inserting them.
	ExistingDedupKeys(ctx context.Context, userID uuid.UUID, keys []string) (map[string]bool, error)

	// InsertTransactions persists a batch of parsed rows in one
	// transaction, returning the number actually inserted (the caller has
	// already deduped, so this should equal len(rows) in the common case).
	InsertTransactions(ctx context.Context, statementID uuid.UUID, rows []models.Transaction) (int, error)
}
