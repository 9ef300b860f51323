package models

import (
	"time"

	"github.com/google/uuid"
)

// DescriptionCache is the T1 exact-match cache: canonical raw description to
// normalized vendor name.
type DescriptionCache struct {
	UserID          *uuid.UUID `json:"user_id,omitempty"` // always set: user_id is part of description_cache's primary key
	CanonicalForm   string     `json:"canonical_form"`
	NormalizedValue string     `json:"normalized_value"`
	Confidence      float64    `json:"confidence"`
	LastUsedAt      time.Time  `json:"last_used_at"`
	HitCount        int64      `json:"hit_count"`
}

// VendorAlias maps a raw vendor pattern to a canonical vendor name and,
// optionally, a default GL code. Used both by the resolver and to boost
// vendor_score in the matching engine.
type VendorAlias struct {
	ID                uuid.UUID  `json:"id"`
	UserID            *uuid.UUID `json:"user_id,omitempty"`
	VendorPattern     string     `json:"vendor_pattern"` // regex or exact
	IsRegex           bool       `json:"is_regex"`
	CanonicalVendor   string     `json:"canonical_vendor"`
	DefaultCategory   *string    `json:"default_category_code,omitempty"`
	ConfirmedByUserID uuid.UUID  `json:"confirmed_by_user_id"`
	ConfirmedAt       time.Time  `json:"confirmed_at"`
}

// RejectedPair records a user-rejected receipt/transaction vendor pairing.
// While unexpired, it hard-caps vendor_score at 0.3 for the same normalized
// pair, per the matching engine's unmatch-feedback rule.
type RejectedPair struct {
	UserID        uuid.UUID `json:"user_id"`
	ReceiptVendor string    `json:"receipt_vendor"`
	TxVendor      string    `json:"tx_vendor"`
	ExpiresAt     time.Time `json:"expires_at"`
}
