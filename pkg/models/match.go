package models

import (
	"time"

	"github.com/google/uuid"
)

// MatchRowStatus is the lifecycle state of a ReceiptTransactionMatch row.
type MatchRowStatus string

const (
	MatchProposed  MatchRowStatus = "proposed"
	MatchConfirmed MatchRowStatus = "confirmed"
	MatchRejected  MatchRowStatus = "rejected"
)

// CandidateKind identifies whether a proposal targets a single transaction
// or a transaction group.
type CandidateKind string

const (
	CandidateTransaction CandidateKind = "transaction"
	CandidateGroup       CandidateKind = "group"
)

// Match is a proposed or confirmed link between a Receipt and exactly one of
// a Transaction or a TransactionGroup.
//
// DB-level invariant: exactly one of TransactionID / TransactionGroupID is
// non-null. A partial unique index enforces at most one confirmed match per
// receipt and per transaction.
type Match struct {
	ID                uuid.UUID      `json:"id"`
	ReceiptID         uuid.UUID      `json:"receipt_id"`
	TransactionID     *uuid.UUID     `json:"transaction_id,omitempty"`
	TransactionGroupID *uuid.UUID    `json:"transaction_group_id,omitempty"`
	Status            MatchRowStatus `json:"status"`
	Confidence        float64        `json:"confidence"` // 0-100 scale
	AmountScore       float64        `json:"amount_score"`
	DateScore         float64        `json:"date_score"`
	VendorScore       float64        `json:"vendor_score"`
	Reason            string         `json:"reason"`
	IsManual          bool           `json:"is_manual"`
	ConfirmedAt       *time.Time     `json:"confirmed_at,omitempty"`
	RowVersion        int64          `json:"row_version"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Kind reports which side of the XOR this match targets.
func (m *Match) Kind() CandidateKind {
	if m.TransactionGroupID != nil {
		return CandidateGroup
	}
	return CandidateTransaction
}

// Valid enforces the exactly-one-of invariant.
func (m *Match) Valid() bool {
	hasTx := m.TransactionID != nil
	hasGroup := m.TransactionGroupID != nil
	return hasTx != hasGroup // exactly one
}
