// Package matching implements the bipartite Receipt-to-Transaction
// matching engine: candidate pool construction, weighted scoring,
// ambiguity-gated proposal emission, and the confirm/unmatch lifecycle.
package matching

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/clock"
	"github.com/rawblock/expense-resolver/internal/config"
	"github.com/rawblock/expense-resolver/internal/ports"
	"github.com/rawblock/expense-resolver/internal/resolver"
	"github.com/rawblock/expense-resolver/pkg/models"
)

// Candidate is one pool member scored against a receipt, normalized so the
// caller doesn't need to branch on transaction-vs-group.
type Candidate struct {
	Kind          models.CandidateKind
	TransactionID *uuid.UUID
	GroupID       *uuid.UUID
	RowVersion    int64
	Scores        componentScores
	Confidence    float64
}

// ObservabilityRecord is emitted once per Propose call: either the emitted
// proposal, or an "ambiguous" / "no_match" outcome with its top candidates.
type ObservabilityRecord struct {
	ReceiptID  uuid.UUID
	Outcome    string // "proposed", "ambiguous", "no_match"
	TopK       []Candidate
}

// SeedEmbedder records a verified vendor-pair embedding on confirmation,
// seeding the Tiered Resolver's T2 vector-similarity tier.
type SeedEmbedder interface {
	SeedVerified(ctx context.Context, userID *uuid.UUID, text, normalizedValue string, vec pgvector.Vector) error
}

// Engine orchestrates candidate pooling, scoring, and the proposal
// lifecycle for a single user's receipts and transactions.
type Engine struct {
	store     Store
	embedding ports.EmbeddingProvider
	seeds     SeedEmbedder
	clock     clock.Clock
	cfg       config.MatchingConfig

	onRecord func(ObservabilityRecord)
}

// New constructs an Engine.
func New(store Store, embedding ports.EmbeddingProvider, seeds SeedEmbedder, clk clock.Clock, cfg config.MatchingConfig, onRecord func(ObservabilityRecord)) *Engine {
	return &Engine{store: store, embedding: embedding, seeds: seeds, clock: clk, cfg: cfg, onRecord: onRecord}
}

// Candidates builds and scores the full candidate pool for a receipt
// without emitting anything, sorted best-first. This is what the manual
// review surface reads when a receipt ended up ambiguous or unmatched.
func (e *Engine) Candidates(ctx context.Context, receiptID uuid.UUID) ([]Candidate, error) {
	receipt, err := e.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	if receipt.Amount == nil || receipt.Date == nil {
		return nil, apperr.New(apperr.ValidationError, "receipt has no extracted amount/date to match against")
	}

	from := receipt.Date.AddDate(0, 0, -dateWindowDays)
	to := receipt.Date.AddDate(0, 0, dateWindowDays)

	txs, err := e.store.UnmatchedTransactions(ctx, receipt.UserID, from, to)
	if err != nil {
		return nil, err
	}
	groups, err := e.store.UnmatchedGroups(ctx, receipt.UserID, from, to)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(txs)+len(groups))
	for _, tx := range txs {
		c, err := e.scoreTransaction(ctx, receipt, tx)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	for _, g := range groups {
		c, err := e.scoreGroup(ctx, receipt, g)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Confidence > candidates[j].Confidence })
	return candidates, nil
}

// RunAll runs Propose over every unmatched, fully-extracted receipt the
// user owns and reports how many proposals were created. Running it twice
// on an unchanged dataset creates nothing new the second time: any receipt
// that gained a proposal on the first pass is left out by
// Store.UnmatchedReceiptIDs, which excludes receipts with an open
// proposal, and ambiguous/no-match receipts score identically both times.
func (e *Engine) RunAll(ctx context.Context, userID uuid.UUID) (int, error) {
	ids, err := e.store.UnmatchedReceiptIDs(ctx, userID)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, id := range ids {
		match, err := e.Propose(ctx, id)
		if err != nil {
			if apperr.KindOf(err) == apperr.ValidationError {
				continue // not yet extracted; OCR will enqueue a match later
			}
			return created, err
		}
		if match != nil {
			created++
		}
	}
	return created, nil
}

// Propose builds the candidate pool for receiptID's owner, scores every
// member, and emits at most one proposal per the ambiguity-margin rule.
// Returns the created Match when one was emitted, nil otherwise.
func (e *Engine) Propose(ctx context.Context, receiptID uuid.UUID) (*models.Match, error) {
	candidates, err := e.Candidates(ctx, receiptID)
	if err != nil {
		return nil, err
	}

	topK := candidates
	if len(topK) > 5 {
		topK = topK[:5]
	}

	if len(candidates) == 0 || candidates[0].Confidence < float64(e.cfg.ScoreThreshold) {
		e.emit(ObservabilityRecord{ReceiptID: receiptID, Outcome: "no_match", TopK: topK})
		return nil, nil
	}

	top := candidates[0]
	if len(candidates) > 1 {
		margin := top.Confidence - candidates[1].Confidence
		if margin < float64(e.cfg.AmbiguityMargin) {
			e.emit(ObservabilityRecord{ReceiptID: receiptID, Outcome: "ambiguous", TopK: topK})
			return nil, nil
		}
	}

	match := &models.Match{
		ID:            uuid.New(),
		ReceiptID:     receiptID,
		TransactionID: top.TransactionID,
		Status:        models.MatchProposed,
		Confidence:    top.Confidence,
		AmountScore:   top.Scores.Amount,
		DateScore:     top.Scores.Date,
		VendorScore:   top.Scores.Vendor,
		CreatedAt:     e.clock.Now(),
	}
	match.TransactionGroupID = top.GroupID

	if err := e.store.CreateProposal(ctx, match); err != nil {
		return nil, err
	}
	e.emit(ObservabilityRecord{ReceiptID: receiptID, Outcome: "proposed", TopK: topK})

	if e.cfg.AutoConfirmEnabled && top.Confidence >= float64(e.cfg.AutoConfirmThreshold) {
		confirmed, err := e.Confirm(ctx, match.ID, match.RowVersion)
		if err != nil {
			log.Printf("[Matching] auto-confirm failed for match %s: %v", match.ID, err)
			return match, nil
		}
		return confirmed, nil
	}

	return match, nil
}

// CreateManualMatch records a user-asserted receipt/transaction(-group)
// pairing that bypassed scoring entirely: confidence is fixed at 100 and
// IsManual is set so downstream feedback/reporting can tell it apart from
// an algorithmically proposed match. Exactly one of transactionID/groupID
// must be set; the caller still confirms it explicitly via Confirm.
func (e *Engine) CreateManualMatch(ctx context.Context, receiptID uuid.UUID, transactionID, groupID *uuid.UUID) (*models.Match, error) {
	match := &models.Match{
		ID:                 uuid.New(),
		ReceiptID:          receiptID,
		TransactionID:      transactionID,
		TransactionGroupID: groupID,
		Status:             models.MatchProposed,
		Confidence:         100,
		IsManual:           true,
		Reason:             "manual",
		CreatedAt:          e.clock.Now(),
	}
	if !match.Valid() {
		return nil, apperr.New(apperr.ValidationError, "manual match must specify exactly one of transaction_id or group_id")
	}

	if _, err := e.store.GetReceipt(ctx, receiptID); err != nil {
		return nil, err
	}
	if transactionID != nil {
		if _, err := e.store.GetTransaction(ctx, *transactionID); err != nil {
			return nil, err
		}
	}

	if err := e.store.CreateProposal(ctx, match); err != nil {
		return nil, err
	}
	e.emit(ObservabilityRecord{ReceiptID: receiptID, Outcome: "proposed"})
	return match, nil
}

func (e *Engine) scoreTransaction(ctx context.Context, receipt models.Receipt, tx models.Transaction) (Candidate, error) {
	aliasMatch, err := e.store.VendorAliasMatch(ctx, receipt.UserID, receipt.VendorExtracted, tx.MerchantRaw)
	if err != nil {
		return Candidate{}, err
	}
	rejected, err := e.store.RejectedPairActive(ctx, receipt.UserID, resolver.Canonicalize(receipt.VendorExtracted), resolver.Canonicalize(tx.MerchantRaw))
	if err != nil {
		return Candidate{}, err
	}

	scores := componentScores{
		Amount: amountScore(*receipt.Amount, tx.Amount),
		Date:   dateScore(*receipt.Date, tx.Date),
		Vendor: vendorScoreFn(resolver.Canonicalize(receipt.VendorExtracted), resolver.Canonicalize(tx.MerchantRaw), aliasMatch, rejected),
	}
	txID := tx.ID
	return Candidate{
		Kind:          models.CandidateTransaction,
		TransactionID: &txID,
		RowVersion:    tx.RowVersion,
		Scores:        scores,
		Confidence:    scores.total(),
	}, nil
}

func (e *Engine) scoreGroup(ctx context.Context, receipt models.Receipt, group models.TransactionGroup) (Candidate, error) {
	// Groups have no single merchant string; vendor component falls back
	// to comparing the receipt vendor against the group's name, minus a
	// trailing parenthesized note such as "(3 charges)".
	groupVendor := resolver.Canonicalize(group.Name)
	if i := strings.LastIndex(groupVendor, " ("); i > 0 && strings.HasSuffix(groupVendor, ")") {
		groupVendor = groupVendor[:i]
	}
	scores := componentScores{
		Amount: amountScore(*receipt.Amount, group.CombinedAmount),
		Date:   dateScore(*receipt.Date, group.DisplayDate),
		Vendor: vendorScoreFn(resolver.Canonicalize(receipt.VendorExtracted), groupVendor, false, false),
	}
	groupID := group.ID
	return Candidate{
		Kind:       models.CandidateGroup,
		GroupID:    &groupID,
		RowVersion: group.RowVersion,
		Scores:     scores,
		Confidence: scores.total(),
	}, nil
}

// Confirm moves a proposal to confirmed: flips both sides' match_status,
// writes a VendorAlias if one doesn't already exist, seeds a verified
// embedding, and records a PredictionFeedback row.
func (e *Engine) Confirm(ctx context.Context, matchID uuid.UUID, expectedRowVersion int64) (*models.Match, error) {
	match, err := e.store.ConfirmMatch(ctx, matchID, expectedRowVersion, e.clock.Now())
	if err != nil {
		return nil, err
	}

	receipt, err := e.store.GetReceipt(ctx, match.ReceiptID)
	if err != nil {
		return &match, nil
	}

	// The confirmed pairing is the alias signal: the statement-side
	// merchant string now maps onto the receipt's vendor, so future
	// proposals for this pair score a full vendor component. Raw strings,
	// matching what VendorAliasMatch compares at scoring time.
	merchant := ""
	if match.TransactionID != nil {
		if tx, txErr := e.store.GetTransaction(ctx, *match.TransactionID); txErr == nil {
			merchant = tx.MerchantRaw
		}
	} else if match.TransactionGroupID != nil {
		if g, gErr := e.store.GetGroup(ctx, *match.TransactionGroupID); gErr == nil {
			merchant = g.Name
		}
	}
	if merchant != "" && receipt.VendorExtracted != "" && merchant != receipt.VendorExtracted {
		userID := receipt.UserID
		if err := e.store.UpsertVendorAlias(ctx, models.VendorAlias{
			UserID:            &userID,
			VendorPattern:     merchant,
			CanonicalVendor:   receipt.VendorExtracted,
			ConfirmedByUserID: receipt.UserID,
			ConfirmedAt:       e.clock.Now(),
		}); err != nil {
			log.Printf("[Matching] vendor alias upsert failed for match %s: %v", matchID, err)
		}
	}

	if e.seeds != nil && e.embedding != nil {
		canonical := resolver.Canonicalize(receipt.VendorExtracted)
		vecs, embErr := e.embedding.Embed(ctx, []string{canonical})
		if embErr == nil && len(vecs) > 0 {
			if err := e.seeds.SeedVerified(ctx, &receipt.UserID, canonical, receipt.VendorExtracted, vecs[0]); err != nil {
				log.Printf("[Matching] embedding seed failed for match %s: %v", matchID, err)
			}
		}
	}

	if err := e.store.InsertPredictionFeedback(ctx, models.PredictionFeedback{
		ID:        uuid.New(),
		SubjectID: match.ID,
		Field:     "match",
		Original:  "",
		Corrected: "confirmed",
		UserID:    receipt.UserID,
		CreatedAt: e.clock.Now(),
	}); err != nil {
		log.Printf("[Matching] feedback insert failed for match %s: %v", matchID, err)
	}

	return &match, nil
}

// Unmatch reverts a confirmed (or proposed) match: both sides return to
// unmatched, the match row becomes rejected, and a 30-day rejected-pair
// blocklist entry is written so the same vendor pairing scores lower next
// time.
func (e *Engine) Unmatch(ctx context.Context, matchID uuid.UUID, expectedRowVersion int64) (*models.Match, error) {
	match, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}

	receipt, err := e.store.GetReceipt(ctx, match.ReceiptID)
	if err != nil {
		return nil, err
	}

	reverted, err := e.store.UnmatchMatch(ctx, matchID, expectedRowVersion, e.clock.Now())
	if err != nil {
		return nil, err
	}

	txVendor := receipt.VendorExtracted
	if match.TransactionID != nil {
		if tx, txErr := e.store.GetTransaction(ctx, *match.TransactionID); txErr == nil {
			txVendor = tx.MerchantRaw
		}
	}

	if err := e.store.InsertRejectedPair(ctx, models.RejectedPair{
		UserID:        receipt.UserID,
		ReceiptVendor: resolver.Canonicalize(receipt.VendorExtracted),
		TxVendor:      resolver.Canonicalize(txVendor),
		ExpiresAt:     e.clock.Now().Add(30 * 24 * time.Hour),
	}); err != nil {
		log.Printf("[Matching] rejected-pair insert failed for match %s: %v", matchID, err)
	}

	if err := e.store.InsertPredictionFeedback(ctx, models.PredictionFeedback{
		ID:        uuid.New(),
		SubjectID: match.ID,
		Field:     "match",
		Original:  "confirmed",
		Corrected: "rejected",
		UserID:    receipt.UserID,
		CreatedAt: e.clock.Now(),
	}); err != nil {
		log.Printf("[Matching] feedback insert failed for unmatch %s: %v", matchID, err)
	}

	return &reverted, nil
}

func (e *Engine) emit(r ObservabilityRecord) {
	if e.onRecord != nil {
		e.onRecord(r)
	}
}
