package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// SubjectKind identifies what an ExpenseEmbedding's vector represents.
type SubjectKind string

const (
	SubjectDescription SubjectKind = "description"
	SubjectVendor      SubjectKind = "vendor"
	SubjectReceiptLine SubjectKind = "receipt_line"
)

// ExpenseEmbedding is a verified-or-provisional vector seed for T2
// similarity lookups. Category-level rows may be global (UserID nil);
// per-user rows seed from confirmed T3/T4 answers.
type ExpenseEmbedding struct {
	ID             uuid.UUID       `json:"id"`
	UserID         *uuid.UUID      `json:"user_id,omitempty"`
	SubjectKind    SubjectKind     `json:"subject_kind"`
	SubjectText    string          `json:"subject_text"`
	Vector         pgvector.Vector `json:"-"`
	CategoryCode   *string         `json:"category_code,omitempty"`
	VerifiedByUser bool            `json:"verified_by_user"`
	StaleAfter     time.Time       `json:"stale_after"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SplitPattern describes how a recurring vendor's charges should be
// allocated across GL/department codes. Invariant: sum(pct) == 100 ± 0.01.
// Once persisted, categorize_transaction applies it directly to any
// transaction whose merchant matches TriggerVendor instead of asking the
// resolver for a single GL code.
type SplitPattern struct {
	ID            uuid.UUID    `json:"id"`
	UserID        uuid.UUID    `json:"user_id"`
	TriggerVendor string       `json:"trigger_vendor"`
	Allocations   []Allocation `json:"allocations"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Allocation is one line of a SplitPattern.
type Allocation struct {
	GLCode   string  `json:"gl_code"`
	DeptCode string  `json:"dept_code"`
	Pct      float64 `json:"pct"`
}

const splitPatternTolerance = 0.01

// Valid enforces the percentages-sum-to-100 invariant.
func (s *SplitPattern) Valid() bool {
	total := 0.0
	for _, a := range s.Allocations {
		total += a.Pct
	}
	diff := total - 100.0
	if diff < 0 {
		diff = -diff
	}
	return diff <= splitPatternTolerance
}
