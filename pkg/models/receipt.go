package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-resolver/pkg/money"
)

// OcrStatus tracks a receipt's progress through OCR extraction.
type OcrStatus string

const (
	OcrPending    OcrStatus = "pending"
	OcrProcessing OcrStatus = "processing"
	OcrExtracted  OcrStatus = "extracted"
	OcrFailed     OcrStatus = "failed"
)

// LineItem is a single itemized entry scraped off a receipt.
type LineItem struct {
	Description string       `json:"desc"`
	Quantity    float64      `json:"qty"`
	UnitPrice   money.Amount `json:"unit_price"`
}

// Receipt is an uploaded, OCR-extracted proof of purchase.
//
// Invariant: OcrStatus == OcrExtracted implies Amount and Date are set.
type Receipt struct {
	ID                uuid.UUID           `json:"id"`
	UserID            uuid.UUID           `json:"user_id"`
	BlobRef           string              `json:"blob_ref"`
	OcrStatus         OcrStatus           `json:"ocr_status"`
	VendorExtracted   string              `json:"vendor_extracted"`
	Date              *time.Time          `json:"date,omitempty"`
	Amount            *money.Amount       `json:"amount,omitempty"`
	Tax               *money.Amount       `json:"tax,omitempty"`
	Currency          string              `json:"currency"`
	ConfidenceByField map[string]float64  `json:"confidence_by_field"`
	LineItems         []LineItem          `json:"line_items"`
	MatchStatus       MatchStatus         `json:"match_status"`
	RowVersion        int64               `json:"row_version"`
	CreatedAt         time.Time           `json:"created_at"`
}

// Valid reports whether the extracted-state invariant holds.
func (r *Receipt) Valid() bool {
	if r.OcrStatus == OcrExtracted {
		return r.Amount != nil && r.Date != nil
	}
	return true
}
