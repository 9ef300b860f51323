package matching

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-resolver/pkg/models"
)

// Store is the persistence port the Matching Engine reads and writes
// through. Concrete implementation lives in internal/db against Postgres;
// engine_test.go carries an in-memory one for tests.
type Store interface {
	GetReceipt(ctx context.Context, id uuid.UUID) (models.Receipt, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error)
	GetGroup(ctx context.Context, id uuid.UUID) (models.TransactionGroup, error)

	// UnmatchedTransactions returns candidate transactions for userID whose
	// date falls in [from, to] and that are not already part of a group.
	UnmatchedTransactions(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.Transaction, error)

	// UnmatchedGroups returns candidate transaction groups for userID whose
	// display date falls in [from, to].
	UnmatchedGroups(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.TransactionGroup, error)

	// UnmatchedReceiptIDs returns receipts for userID that are unmatched
	// and carry no open (proposed) match row, oldest first. Receipts with
	// a pending proposal are excluded so a batch re-run never doubles up.
	UnmatchedReceiptIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)

	// VendorAliasMatch reports whether a confirmed VendorAlias maps either
	// vendorA or vendorB onto the other's canonical form.
	VendorAliasMatch(ctx context.Context, userID uuid.UUID, vendorA, vendorB string) (bool, error)

	// RejectedPairActive reports whether an unexpired RejectedPair blocklist
	// entry exists for this normalized vendor pair.
	RejectedPairActive(ctx context.Context, userID uuid.UUID, receiptVendor, txVendor string) (bool, error)

	// CreateProposal persists a new proposed Match row.
	CreateProposal(ctx context.Context, m *models.Match) error

	// GetMatch fetches a Match row by id.
	GetMatch(ctx context.Context, id uuid.UUID) (models.Match, error)

	// ConfirmMatch flips the match row to confirmed and both sides
	// (receipt, transaction-or-group) to matched, inside one transaction.
	// expectedMatchRowVersion guards the match row and a mismatch returns
	// apperr.Conflict; the receipt and transaction-or-group rows are
	// updated without a row_version check of their own.
	ConfirmMatch(ctx context.Context, matchID uuid.UUID, expectedMatchRowVersion int64, now time.Time) (models.Match, error)

	// UnmatchMatch reverts both sides to unmatched, marks the match row
	// rejected, and is used both for explicit user-initiated unmatch and
	// for rejecting a still-proposed row.
	UnmatchMatch(ctx context.Context, matchID uuid.UUID, expectedMatchRowVersion int64, now time.Time) (models.Match, error)

	UpsertVendorAlias(ctx context.Context, alias models.VendorAlias) error
	InsertRejectedPair(ctx context.Context, pair models.RejectedPair) error
	InsertPredictionFeedback(ctx context.Context, fb models.PredictionFeedback) error
}
