package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-resolver/pkg/money"
)

// MatchStatus is shared by Receipt, Transaction, and TransactionGroup.
type MatchStatus string

const (
	MatchStatusUnmatched MatchStatus = "unmatched"
	MatchStatusMatched   MatchStatus = "matched"
)

// ReimbursabilitySource records how a transaction's reimbursable flag was set.
type ReimbursabilitySource string

const (
	ReimbursabilityNone       ReimbursabilitySource = "none"
	ReimbursabilityPrediction ReimbursabilitySource = "prediction"
	ReimbursabilityOverride   ReimbursabilitySource = "override"
)

// Transaction is a single bank-statement row.
//
// Invariants: MatchedReceiptID != nil implies MatchStatus == matched; a
// proposal referencing this transaction carries exactly one of
// transaction_id / group_id (enforced at the match-row level, see Match).
type Transaction struct {
	ID                    uuid.UUID             `json:"id"`
	UserID                uuid.UUID             `json:"user_id"`
	StatementID           uuid.UUID             `json:"statement_id"`
	Description           string                `json:"description"`
	MerchantRaw           string                `json:"merchant_raw"`
	Amount                money.Amount          `json:"amount"`
	Date                  time.Time             `json:"date"`
	PostDate              *time.Time            `json:"post_date,omitempty"`
	GroupID               *uuid.UUID            `json:"group_id,omitempty"`
	MatchStatus           MatchStatus           `json:"match_status"`
	MatchedReceiptID      *uuid.UUID            `json:"matched_receipt_id,omitempty"`
	CategoryCode          *string               `json:"category_code,omitempty"`
	ReimbursabilitySource ReimbursabilitySource `json:"reimbursability_source"`
	SplitPatternID        *uuid.UUID            `json:"split_pattern_id,omitempty"`
	RowVersion            int64                 `json:"row_version"`
	CreatedAt             time.Time             `json:"created_at"`
}

// Valid checks the matched-receipt/match-status invariant.
func (t *Transaction) Valid() bool {
	if t.MatchedReceiptID != nil && t.MatchStatus != MatchStatusMatched {
		return false
	}
	return true
}

// TransactionGroup bundles several transactions (e.g. a split charge) as one
// matchable unit. Invariant: CombinedAmount == sum(members.Amount) ± 0.01.
type TransactionGroup struct {
	ID               uuid.UUID    `json:"id"`
	UserID           uuid.UUID    `json:"user_id"`
	Name             string       `json:"name"`
	DisplayDate      time.Time    `json:"display_date"`
	CombinedAmount   money.Amount `json:"combined_amount"`
	MembersCount     int          `json:"members_count"`
	MatchStatus      MatchStatus  `json:"match_status"`
	MatchedReceiptID *uuid.UUID   `json:"matched_receipt_id,omitempty"`
	RowVersion       int64        `json:"row_version"`
	CreatedAt        time.Time    `json:"created_at"`
}

var groupAmountTolerance = money.FromCents(1)

// ValidCombinedAmount checks the combined-amount invariant against a set of
// member amounts.
func (g *TransactionGroup) ValidCombinedAmount(members []money.Amount) bool {
	sum := money.Zero
	for _, m := range members {
		sum = sum.Add(m)
	}
	return money.WithinTolerance(g.CombinedAmount, sum, groupAmountTolerance)
}
