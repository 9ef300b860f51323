// Package money provides a fixed-point decimal type for all monetary values.
// Amounts are never compared or summed as binary floats.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a USD-scale-2 (or currency-scale) fixed-point value.
type Amount struct {
	decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{decimal.Zero}

// New builds an Amount from a string, e.g. "19.99". Returns an error on
// malformed input so callers at parse boundaries can surface ValidationError.
func New(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{d}, nil
}

// FromCents builds an Amount from an integer minor-unit count (e.g. cents).
func FromCents(cents int64) Amount {
	return Amount{decimal.New(cents, -2)}
}

// FromFloat builds an Amount from a float64. Only used at provider
// boundaries (OCR/LLM output) where the source is already lossy; never for
// arithmetic on already-fixed-point values.
func FromFloat(f float64) Amount {
	return Amount{decimal.NewFromFloat(f).Round(2)}
}

func (a Amount) Add(b Amount) Amount { return Amount{a.Decimal.Add(b.Decimal)} }
func (a Amount) Sub(b Amount) Amount { return Amount{a.Decimal.Sub(b.Decimal)} }
func (a Amount) Neg() Amount         { return Amount{a.Decimal.Neg()} }
func (a Amount) Abs() Amount         { return Amount{a.Decimal.Abs()} }

// Mul multiplies by a plain float scalar (e.g. a tolerance percentage) and
// rounds back to 2 decimal places.
func (a Amount) MulFloat(f float64) Amount {
	return Amount{a.Decimal.Mul(decimal.NewFromFloat(f)).Round(2)}
}

func (a Amount) Cmp(b Amount) int { return a.Decimal.Cmp(b.Decimal) }
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.Decimal.Cmp(b.Decimal) >= 0 }
func (a Amount) LessThan(b Amount) bool            { return a.Decimal.Cmp(b.Decimal) < 0 }
func (a Amount) IsZero() bool                      { return a.Decimal.IsZero() }
func (a Amount) Float64() float64                  { v, _ := a.Decimal.Float64(); return v }

// WithinTolerance reports whether |a-b| <= tol.
func WithinTolerance(a, b, tol Amount) bool {
	diff := a.Sub(b).Abs()
	return diff.Cmp(tol) <= 0
}

// Value implements driver.Valuer so Amount can be written directly by pgx.
func (a Amount) Value() (driver.Value, error) { return a.Decimal.Value() }

// Scan implements sql.Scanner so Amount can be read directly by pgx.
func (a *Amount) Scan(v any) error { return a.Decimal.Scan(v) }

func (a Amount) String() string { return a.Decimal.String() }
