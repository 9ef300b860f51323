package models

import (
	"time"

	"github.com/google/uuid"
)

// AmountSignConvention describes how a bank encodes debits in its export.
type AmountSignConvention string

const (
	DebitsPositive AmountSignConvention = "debits_positive"
	DebitsNegative AmountSignConvention = "debits_negative"
)

// ColumnMapping records how a statement's columns map onto transaction
// fields, plus the parsing conventions inferred for this file shape.
type ColumnMapping struct {
	DateCol       int    `json:"date_col"`
	DescCol       int    `json:"desc_col"`
	MerchantCol   int    `json:"merchant_col,omitempty"`
	AmountCol     int    `json:"amount_col"`
	DebitCol      int    `json:"debit_col,omitempty"`
	CreditCol     int    `json:"credit_col,omitempty"`
	PostDateCol   int    `json:"post_date_col,omitempty"`
	IsDoubleEntry bool   `json:"is_double_entry"`
	DecimalComma  bool   `json:"decimal_comma"` // "," used as decimal separator
	DateLocale    string `json:"date_locale"`   // "US" or "ISO" or "EU"
	SkipLines     int    `json:"skip_lines"`

	SignConvention AmountSignConvention `json:"sign_convention"`
}

// StatementFingerprint is the content-independent identity of a file's
// shape: same bank export format across months hashes identically.
type StatementFingerprint struct {
	ID              uuid.UUID     `json:"id"`
	FileHash        string        `json:"file_hash"`
	ColumnMapping   ColumnMapping `json:"column_mapping"`
	HeaderRowIdx    int           `json:"header_row_idx"`
	CreatedByUserID uuid.UUID     `json:"created_by_user_id"`
	Verified        bool          `json:"verified"`
	Uses            int64         `json:"uses"`
	CreatedAt       time.Time     `json:"created_at"`
}
