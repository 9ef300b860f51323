package matching

import (
	"math"
	"time"

	"github.com/rawblock/expense-resolver/internal/matching/textdist"
	"github.com/rawblock/expense-resolver/pkg/money"
)

const (
	amountWeight = 0.40
	dateWeight   = 0.35
	vendorWeight = 0.25

	dateWindowDays      = 7
	amountPctTolerance  = 0.02
	amountMinTolerance  = 1.00
	decayMultiple       = 10

	rejectedPairVendorCap = 0.3
)

// componentScores holds the three weighted components before and after
// scaling, kept separately so Match rows can record each for observability
// and dispute resolution.
type componentScores struct {
	Amount float64
	Date   float64
	Vendor float64
}

// total returns the weighted sum scaled to a 0-100 confidence.
func (c componentScores) total() float64 {
	return (amountWeight*c.Amount + dateWeight*c.Date + vendorWeight*c.Vendor) * 100
}

// amountScore clamps to [0,1]: full credit within 2% or $1 of the
// receipt's amount (whichever is larger), then a linear decay from 1.0 at
// the tolerance edge down to zero at 10x the tolerance.
func amountScore(receiptAmount, candidateAmount money.Amount) float64 {
	tolerance := receiptAmount.Abs().MulFloat(amountPctTolerance)
	if tolerance.LessThan(money.FromCents(int64(amountMinTolerance * 100))) {
		tolerance = money.FromCents(int64(amountMinTolerance * 100))
	}
	delta := receiptAmount.Sub(candidateAmount).Abs().Float64()
	tol := tolerance.Float64()
	if tol == 0 {
		if delta == 0 {
			return 1
		}
		return 0
	}
	if delta <= tol {
		return 1
	}
	score := 1 - (delta-tol)/(tol*(decayMultiple-1))
	return clamp01(score)
}

// dateScore decays linearly to zero across the matching window.
func dateScore(receiptDate, candidateDate time.Time) float64 {
	deltaDays := math.Abs(receiptDate.Sub(candidateDate).Hours() / 24)
	score := 1 - deltaDays/float64(dateWindowDays)
	if score < 0 {
		return 0
	}
	return score
}

// vendorScoreFn computes Damerau-Levenshtein similarity of the two
// normalized vendor strings, boosted to 1.0 when a VendorAlias maps one
// side onto the other's canonical form, and capped when the pair sits on
// a live rejected-pair blocklist entry.
func vendorScoreFn(receiptVendor, txVendor string, aliasMatch bool, rejectedCap bool) float64 {
	score := textdist.Similarity(receiptVendor, txVendor)
	if aliasMatch {
		score = 1.0
	}
	if rejectedCap && score > rejectedPairVendorCap {
		score = rejectedPairVendorCap
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
