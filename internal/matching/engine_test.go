package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/expense-resolver/internal/clock"
	"github.com/rawblock/expense-resolver/internal/config"
	"github.com/rawblock/expense-resolver/pkg/models"
	"github.com/rawblock/expense-resolver/pkg/money"
)

type fakeStore struct {
	mu           sync.Mutex
	receipts     map[uuid.UUID]models.Receipt
	transactions map[uuid.UUID]models.Transaction
	groups       map[uuid.UUID]models.TransactionGroup
	matches      map[uuid.UUID]models.Match
	aliases      map[string]bool
	rejected     map[string]time.Time
	feedback     []models.PredictionFeedback
	rejectedPairs []models.RejectedPair
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		receipts:     map[uuid.UUID]models.Receipt{},
		transactions: map[uuid.UUID]models.Transaction{},
		groups:       map[uuid.UUID]models.TransactionGroup{},
		matches:      map[uuid.UUID]models.Match{},
		aliases:      map[string]bool{},
		rejected:     map[string]time.Time{},
	}
}

func (f *fakeStore) GetReceipt(ctx context.Context, id uuid.UUID) (models.Receipt, error) {
	return f.receipts[id], nil
}

func (f *fakeStore) GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	return f.transactions[id], nil
}

func (f *fakeStore) GetGroup(ctx context.Context, id uuid.UUID) (models.TransactionGroup, error) {
	return f.groups[id], nil
}

func (f *fakeStore) UnmatchedTransactions(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, tx := range f.transactions {
		if tx.UserID != userID || tx.MatchStatus != models.MatchStatusUnmatched || tx.GroupID != nil {
			continue
		}
		if tx.Date.Before(from) || tx.Date.After(to) {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (f *fakeStore) UnmatchedGroups(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.TransactionGroup, error) {
	var out []models.TransactionGroup
	for _, g := range f.groups {
		if g.UserID != userID || g.MatchStatus != models.MatchStatusUnmatched {
			continue
		}
		if g.DisplayDate.Before(from) || g.DisplayDate.After(to) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeStore) UnmatchedReceiptIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	open := map[uuid.UUID]bool{}
	for _, m := range f.matches {
		if m.Status == models.MatchProposed {
			open[m.ReceiptID] = true
		}
	}
	var out []uuid.UUID
	for _, r := range f.receipts {
		if r.UserID == userID && r.MatchStatus == models.MatchStatusUnmatched && !open[r.ID] {
			out = append(out, r.ID)
		}
	}
	return out, nil
}

func (f *fakeStore) VendorAliasMatch(ctx context.Context, userID uuid.UUID, vendorA, vendorB string) (bool, error) {
	return f.aliases[vendorA+"|"+vendorB] || f.aliases[vendorB+"|"+vendorA], nil
}

func (f *fakeStore) RejectedPairActive(ctx context.Context, userID uuid.UUID, receiptVendor, txVendor string) (bool, error) {
	exp, ok := f.rejected[receiptVendor+"|"+txVendor]
	return ok && exp.After(time.Now()), nil
}

func (f *fakeStore) CreateProposal(ctx context.Context, m *models.Match) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches[m.ID] = *m
	return nil
}

func (f *fakeStore) GetMatch(ctx context.Context, id uuid.UUID) (models.Match, error) {
	return f.matches[id], nil
}

func (f *fakeStore) ConfirmMatch(ctx context.Context, matchID uuid.UUID, expectedRowVersion int64, now time.Time) (models.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.matches[matchID]
	m.Status = models.MatchConfirmed
	m.ConfirmedAt = &now
	f.matches[matchID] = m

	r := f.receipts[m.ReceiptID]
	r.MatchStatus = models.MatchStatusMatched
	f.receipts[m.ReceiptID] = r

	if m.TransactionID != nil {
		tx := f.transactions[*m.TransactionID]
		tx.MatchStatus = models.MatchStatusMatched
		tx.MatchedReceiptID = &m.ReceiptID
		f.transactions[*m.TransactionID] = tx
	}
	return m, nil
}

func (f *fakeStore) UnmatchMatch(ctx context.Context, matchID uuid.UUID, expectedRowVersion int64, now time.Time) (models.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.matches[matchID]
	m.Status = models.MatchRejected
	f.matches[matchID] = m

	r := f.receipts[m.ReceiptID]
	r.MatchStatus = models.MatchStatusUnmatched
	f.receipts[m.ReceiptID] = r

	if m.TransactionID != nil {
		tx := f.transactions[*m.TransactionID]
		tx.MatchStatus = models.MatchStatusUnmatched
		tx.MatchedReceiptID = nil
		f.transactions[*m.TransactionID] = tx
	}
	return m, nil
}

func (f *fakeStore) UpsertVendorAlias(ctx context.Context, alias models.VendorAlias) error {
	f.aliases[alias.VendorPattern+"|"+alias.CanonicalVendor] = true
	return nil
}

func (f *fakeStore) InsertRejectedPair(ctx context.Context, pair models.RejectedPair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectedPairs = append(f.rejectedPairs, pair)
	f.rejected[pair.ReceiptVendor+"|"+pair.TxVendor] = pair.ExpiresAt
	return nil
}

func (f *fakeStore) InsertPredictionFeedback(ctx context.Context, fb models.PredictionFeedback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, fb)
	return nil
}

type noopEmbedding struct{}

func (noopEmbedding) Embed(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range texts {
		vecs[i] = pgvector.NewVector([]float32{0})
	}
	return vecs, nil
}

type noopSeeder struct{}

func (noopSeeder) SeedVerified(ctx context.Context, userID *uuid.UUID, text, normalizedValue string, vec pgvector.Vector) error {
	return nil
}

func testMatchingConfig() config.MatchingConfig {
	return config.MatchingConfig{
		ScoreThreshold:       70,
		AmbiguityMargin:      8,
		AutoConfirmThreshold: 95,
		AutoConfirmEnabled:   false,
	}
}

func mustAmount(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.New(s)
	require.NoError(t, err)
	return a
}

// TestPropose_ClearWinnerEmitsProposal covers a receipt with one strong
// candidate well clear of the ambiguity margin.
func TestPropose_ClearWinnerEmitsProposal(t *testing.T) {
	store := newFakeStore()
	userID := uuid.New()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	receiptID := uuid.New()
	amount := mustAmount(t, "42.50")
	store.receipts[receiptID] = models.Receipt{
		ID: receiptID, UserID: userID, VendorExtracted: "Starbucks",
		Amount: &amount, Date: &now,
	}

	goodTx := uuid.New()
	store.transactions[goodTx] = models.Transaction{
		ID: goodTx, UserID: userID, MerchantRaw: "Starbucks",
		Amount: amount, Date: now, MatchStatus: models.MatchStatusUnmatched,
	}
	weakTx := uuid.New()
	store.transactions[weakTx] = models.Transaction{
		ID: weakTx, UserID: userID, MerchantRaw: "Unrelated Vendor Co",
		Amount: mustAmount(t, "9.00"), Date: now.AddDate(0, 0, -6),
		MatchStatus: models.MatchStatusUnmatched,
	}

	engine := New(store, noopEmbedding{}, noopSeeder{}, clock.NewFake(now), testMatchingConfig(), nil)
	match, err := engine.Propose(context.Background(), receiptID)
	require.NoError(t, err)
	require.NotNil(t, match)
	require.Equal(t, models.MatchProposed, match.Status)
	require.Equal(t, goodTx, *match.TransactionID)
}

// TestPropose_AmbiguousEmitsNoProposal covers two near-identical candidates
// within the ambiguity margin.
func TestPropose_AmbiguousEmitsNoProposal(t *testing.T) {
	store := newFakeStore()
	userID := uuid.New()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	receiptID := uuid.New()
	amount := mustAmount(t, "20.00")
	store.receipts[receiptID] = models.Receipt{
		ID: receiptID, UserID: userID, VendorExtracted: "Generic Store",
		Amount: &amount, Date: &now,
	}

	for i := 0; i < 2; i++ {
		txID := uuid.New()
		store.transactions[txID] = models.Transaction{
			ID: txID, UserID: userID, MerchantRaw: "Generic Store",
			Amount: amount, Date: now, MatchStatus: models.MatchStatusUnmatched,
		}
	}

	var records []ObservabilityRecord
	engine := New(store, noopEmbedding{}, noopSeeder{}, clock.NewFake(now), testMatchingConfig(), func(r ObservabilityRecord) {
		records = append(records, r)
	})
	match, err := engine.Propose(context.Background(), receiptID)
	require.NoError(t, err)
	require.Nil(t, match)
	require.Len(t, records, 1)
	require.Equal(t, "ambiguous", records[0].Outcome)
}

// TestPropose_BelowThresholdNoMatch covers a receipt with no candidate
// anywhere near the score threshold.
func TestPropose_BelowThresholdNoMatch(t *testing.T) {
	store := newFakeStore()
	userID := uuid.New()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	receiptID := uuid.New()
	amount := mustAmount(t, "500.00")
	store.receipts[receiptID] = models.Receipt{
		ID: receiptID, UserID: userID, VendorExtracted: "Rare Vendor",
		Amount: &amount, Date: &now,
	}

	txID := uuid.New()
	store.transactions[txID] = models.Transaction{
		ID: txID, UserID: userID, MerchantRaw: "Completely Different",
		Amount: mustAmount(t, "3.00"), Date: now.AddDate(0, 0, -7),
		MatchStatus: models.MatchStatusUnmatched,
	}

	engine := New(store, noopEmbedding{}, noopSeeder{}, clock.NewFake(now), testMatchingConfig(), nil)
	match, err := engine.Propose(context.Background(), receiptID)
	require.NoError(t, err)
	require.Nil(t, match)
}

// TestConfirmThenUnmatch covers the full lifecycle: a proposal confirmed,
// then explicitly unmatched, which must revert both sides and write a
// rejected-pair blocklist entry.
func TestConfirmThenUnmatch(t *testing.T) {
	store := newFakeStore()
	userID := uuid.New()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	receiptID := uuid.New()
	amount := mustAmount(t, "42.50")
	store.receipts[receiptID] = models.Receipt{
		ID: receiptID, UserID: userID, VendorExtracted: "Starbucks",
		Amount: &amount, Date: &now, MatchStatus: models.MatchStatusUnmatched,
	}
	txID := uuid.New()
	store.transactions[txID] = models.Transaction{
		ID: txID, UserID: userID, MerchantRaw: "Starbucks",
		Amount: amount, Date: now, MatchStatus: models.MatchStatusUnmatched,
	}

	engine := New(store, noopEmbedding{}, noopSeeder{}, clock.NewFake(now), testMatchingConfig(), nil)
	match, err := engine.Propose(context.Background(), receiptID)
	require.NoError(t, err)
	require.NotNil(t, match)

	confirmed, err := engine.Confirm(context.Background(), match.ID, match.RowVersion)
	require.NoError(t, err)
	require.Equal(t, models.MatchConfirmed, confirmed.Status)
	require.Equal(t, models.MatchStatusMatched, store.receipts[receiptID].MatchStatus)
	require.Equal(t, models.MatchStatusMatched, store.transactions[txID].MatchStatus)

	reverted, err := engine.Unmatch(context.Background(), match.ID, confirmed.RowVersion)
	require.NoError(t, err)
	require.Equal(t, models.MatchRejected, reverted.Status)
	require.Equal(t, models.MatchStatusUnmatched, store.receipts[receiptID].MatchStatus)
	require.Equal(t, models.MatchStatusUnmatched, store.transactions[txID].MatchStatus)
	require.Len(t, store.rejectedPairs, 1)
}

// TestRunAll_IsIdempotent covers the batch entry point: the first run
// proposes for every matchable receipt, a second run on the unchanged
// dataset proposes nothing further.
func TestRunAll_IsIdempotent(t *testing.T) {
	store := newFakeStore()
	userID := uuid.New()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		receiptID := uuid.New()
		amount := mustAmount(t, "15.00")
		date := now
		store.receipts[receiptID] = models.Receipt{
			ID: receiptID, UserID: userID, VendorExtracted: "Vendor",
			Amount: &amount, Date: &date, MatchStatus: models.MatchStatusUnmatched,
		}
		txID := uuid.New()
		store.transactions[txID] = models.Transaction{
			ID: txID, UserID: userID, MerchantRaw: "Vendor",
			Amount: amount, Date: now, MatchStatus: models.MatchStatusUnmatched,
		}
		// Distinct dates keep each receipt's pool down to its own
		// transaction; otherwise all three would be ambiguous.
		now = now.AddDate(0, 1, 0)
	}

	engine := New(store, noopEmbedding{}, noopSeeder{}, clock.NewFake(now), testMatchingConfig(), nil)
	created, err := engine.RunAll(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, 3, created)

	again, err := engine.RunAll(context.Background(), userID)
	require.NoError(t, err)
	require.Zero(t, again)
}

// TestCandidates_GroupOutranksLooseTransaction covers the review surface:
// a receipt whose amount/date fit a group and an unrelated transaction
// equally well must rank the group first on the vendor component.
func TestCandidates_GroupOutranksLooseTransaction(t *testing.T) {
	store := newFakeStore()
	userID := uuid.New()
	now := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)

	receiptID := uuid.New()
	amount := mustAmount(t, "50.00")
	store.receipts[receiptID] = models.Receipt{
		ID: receiptID, UserID: userID, VendorExtracted: "Twilio",
		Amount: &amount, Date: &now, MatchStatus: models.MatchStatusUnmatched,
	}

	groupID := uuid.New()
	store.groups[groupID] = models.TransactionGroup{
		ID: groupID, UserID: userID, Name: "TWILIO (3 charges)",
		DisplayDate: now, CombinedAmount: amount, MembersCount: 3,
		MatchStatus: models.MatchStatusUnmatched,
	}
	txID := uuid.New()
	store.transactions[txID] = models.Transaction{
		ID: txID, UserID: userID, MerchantRaw: "NOT TWILIO",
		Amount: amount, Date: now, MatchStatus: models.MatchStatusUnmatched,
	}

	engine := New(store, noopEmbedding{}, noopSeeder{}, clock.NewFake(now), testMatchingConfig(), nil)
	candidates, err := engine.Candidates(context.Background(), receiptID)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, models.CandidateGroup, candidates[0].Kind)
	require.Equal(t, groupID, *candidates[0].GroupID)

	match, err := engine.Propose(context.Background(), receiptID)
	require.NoError(t, err)
	require.NotNil(t, match)
	require.Equal(t, groupID, *match.TransactionGroupID)
	require.Nil(t, match.TransactionID)
}

// TestConfirm_WritesVendorAlias covers the confirmation writeback: once a
// user confirms a match between a raw statement merchant and an extracted
// receipt vendor, an alias links the pair so it scores a full vendor
// component next time.
func TestConfirm_WritesVendorAlias(t *testing.T) {
	store := newFakeStore()
	userID := uuid.New()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	receiptID := uuid.New()
	amount := mustAmount(t, "23.45")
	store.receipts[receiptID] = models.Receipt{
		ID: receiptID, UserID: userID, VendorExtracted: "Joe's Coffee",
		Amount: &amount, Date: &now, MatchStatus: models.MatchStatusUnmatched,
	}
	txID := uuid.New()
	store.transactions[txID] = models.Transaction{
		ID: txID, UserID: userID, MerchantRaw: "SQ *JOES COFFEE",
		Amount: mustAmount(t, "23.47"), Date: now, MatchStatus: models.MatchStatusUnmatched,
	}

	engine := New(store, noopEmbedding{}, noopSeeder{}, clock.NewFake(now), testMatchingConfig(), nil)
	match, err := engine.Propose(context.Background(), receiptID)
	require.NoError(t, err)
	require.NotNil(t, match)

	_, err = engine.Confirm(context.Background(), match.ID, match.RowVersion)
	require.NoError(t, err)
	require.True(t, store.aliases["SQ *JOES COFFEE|Joe's Coffee"])

	ok, err := store.VendorAliasMatch(context.Background(), userID, "Joe's Coffee", "SQ *JOES COFFEE")
	require.NoError(t, err)
	require.True(t, ok)
}

// TestAmountScore_PlateauThenLinearDecay pins the two-segment shape: full
// credit anywhere inside the 2%-or-$1 tolerance, then a linear slide to
// zero at ten times the tolerance.
func TestAmountScore_PlateauThenLinearDecay(t *testing.T) {
	receipt := mustAmount(t, "50.00") // tolerance = max(1.00, 50*0.02) = 1.00
	cases := []struct {
		candidate string
		want      float64
	}{
		{"50.00", 1.0},
		{"49.50", 1.0},  // inside tolerance: plateau
		{"51.00", 1.0},  // exactly at tolerance: still full credit
		{"55.50", 0.5},  // halfway down the decay (delta 5.50 of 1.00..10.00)
		{"60.00", 0.0},  // at 10x tolerance
		{"75.00", 0.0},  // beyond: clamped
	}
	for _, tc := range cases {
		got := amountScore(receipt, mustAmount(t, tc.candidate))
		require.InDelta(t, tc.want, got, 1e-9, "candidate %s", tc.candidate)
	}
}
