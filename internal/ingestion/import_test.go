package ingestion

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/clock"
	"github.com/rawblock/expense-resolver/pkg/models"
)

type fakeIngestStore struct {
	fingerprints map[string]models.StatementFingerprint
	existing     map[string]bool
	inserted     []models.Transaction
}

func newFakeIngestStore() *fakeIngestStore {
	return &fakeIngestStore{
		fingerprints: map[string]models.StatementFingerprint{},
		existing:     map[string]bool{},
	}
}

func (f *fakeIngestStore) LookupFingerprint(ctx context.Context, fileHash string) (models.StatementFingerprint, bool, error) {
	fp, ok := f.fingerprints[fileHash]
	return fp, ok, nil
}

func (f *fakeIngestStore) SaveFingerprint(ctx context.Context, fp models.StatementFingerprint) error {
	f.fingerprints[fp.FileHash] = fp
	return nil
}

func (f *fakeIngestStore) VerifyFingerprint(ctx context.Context, id uuid.UUID) error {
	return nil
}

func (f *fakeIngestStore) TouchFingerprint(ctx context.Context, id uuid.UUID) error {
	for hash, fp := range f.fingerprints {
		if fp.ID == id {
			fp.Uses++
			f.fingerprints[hash] = fp
		}
	}
	return nil
}

func (f *fakeIngestStore) ExistingDedupKeys(ctx context.Context, userID uuid.UUID, keys []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, k := range keys {
		if f.existing[k] {
			out[k] = true
		}
	}
	return out, nil
}

func (f *fakeIngestStore) InsertTransactions(ctx context.Context, statementID uuid.UUID, rows []models.Transaction) (int, error) {
	for _, r := range rows {
		f.inserted = append(f.inserted, r)
	}
	return len(rows), nil
}

// TestImport_KnownMappingSkipsResolver covers the cache-hit path: a
// pre-seeded fingerprint with a known mapping needs no resolver call, so
// passing a nil *resolver.Resolver must still succeed.
func TestImport_KnownMappingSkipsResolver(t *testing.T) {
	store := newFakeIngestStore()
	userID := uuid.New()

	data := []byte("Date,Description,Amount\n01/13/2026,Coffee Shop,4.50\n01/14/2026,Grocery Store,62.10\n")
	fileHash := Fingerprint(
		[]string{"Date", "Description", "Amount"},
		[][]string{{"01/13/2026", "Coffee Shop", "4.50"}, {"01/14/2026", "Grocery Store", "62.10"}})
	store.fingerprints[fileHash] = models.StatementFingerprint{
		ID:       uuid.New(),
		FileHash: fileHash,
		ColumnMapping: models.ColumnMapping{
			DateCol: 0, DescCol: 1, AmountCol: 2,
			DateLocale: "US", SignConvention: models.DebitsPositive,
		},
		Verified: true,
	}

	im := NewImporter(store, nil, clock.Real{})
	result, err := im.Import(context.Background(), userID, data)
	require.NoError(t, err)
	require.Equal(t, 2, result.Inserted)
	require.Equal(t, 0, result.Duplicates)
	require.Empty(t, result.RowErrors)
	require.Len(t, store.inserted, 2)
}

// TestImport_Reimport covers reimport safety: uploading the same file
// twice must yield zero new rows the second time.
func TestImport_Reimport(t *testing.T) {
	store := newFakeIngestStore()
	userID := uuid.New()

	data := []byte("Date,Description,Amount\n01/13/2026,Coffee Shop,4.50\n")
	fileHash := Fingerprint(
		[]string{"Date", "Description", "Amount"},
		[][]string{{"01/13/2026", "Coffee Shop", "4.50"}})
	store.fingerprints[fileHash] = models.StatementFingerprint{
		ID:       uuid.New(),
		FileHash: fileHash,
		ColumnMapping: models.ColumnMapping{
			DateCol: 0, DescCol: 1, AmountCol: 2,
			DateLocale: "US", SignConvention: models.DebitsPositive,
		},
	}

	im := NewImporter(store, nil, clock.Real{})
	first, err := im.Import(context.Background(), userID, data)
	require.NoError(t, err)
	require.Equal(t, 1, first.Inserted)

	for _, tx := range store.inserted {
		store.existing[dedupKey(userID, tx.Date, tx.Amount, tx.Description)] = true
	}

	second, err := im.Import(context.Background(), userID, data)
	require.NoError(t, err)
	require.Equal(t, 0, second.Inserted)
	require.Equal(t, 1, second.Duplicates)
}

// TestImport_RowErrorsDoNotFailWholeImport covers a batch with one bad row
// and one good row: the import still succeeds and reports the bad row.
func TestImport_RowErrorsDoNotFailWholeImport(t *testing.T) {
	store := newFakeIngestStore()
	userID := uuid.New()

	data := []byte("Date,Description,Amount\nnot-a-date,Bad Row,10.00\n01/13/2026,Good Row,5.00\n")
	fileHash := Fingerprint(
		[]string{"Date", "Description", "Amount"},
		[][]string{{"not-a-date", "Bad Row", "10.00"}, {"01/13/2026", "Good Row", "5.00"}})
	store.fingerprints[fileHash] = models.StatementFingerprint{
		ID:       uuid.New(),
		FileHash: fileHash,
		ColumnMapping: models.ColumnMapping{
			DateCol: 0, DescCol: 1, AmountCol: 2,
			DateLocale: "US", SignConvention: models.DebitsPositive,
		},
	}

	im := NewImporter(store, nil, clock.Real{})
	result, err := im.Import(context.Background(), userID, data)
	require.NoError(t, err)
	require.Equal(t, 1, result.Inserted)
	require.Len(t, result.RowErrors, 1)
}

// TestImport_UnrecognizedHeaderFails covers header-detection failure: no
// row in the first 10 matches enough known synonyms.
func TestImport_UnrecognizedHeaderFails(t *testing.T) {
	store := newFakeIngestStore()
	userID := uuid.New()

	data := []byte("Col1,Col2,Col3\nx,y,z\n")
	im := NewImporter(store, nil, clock.Real{})
	_, err := im.Import(context.Background(), userID, data)
	require.Error(t, err)
	require.Equal(t, apperr.UnrecognizedFormat, apperr.KindOf(err))
}

func TestFindHeaderRow(t *testing.T) {
	rows := [][]string{
		{"Account Summary"},
		{""},
		{"Date", "Description", "Amount", "Balance"},
		{"01/01/2026", "Test", "1.00", "100.00"},
	}
	require.Equal(t, 2, FindHeaderRow(rows))
}

func TestFingerprint_IgnoresValuesSameShape(t *testing.T) {
	header := []string{"Date", "Description", "Amount"}
	rowsJan := [][]string{{"2026-01-01", "Coffee", "4.50"}}
	rowsFeb := [][]string{{"2026-02-03", "Groceries", "62.10"}}

	require.Equal(t, Fingerprint(header, rowsJan), Fingerprint(header, rowsFeb))
}

// TestImport_FingerprintReusedAcrossMonths covers the shape-keyed cache: a
// mapping learned from January's file replays on February's file (same
// header, same cell shapes, different values) without a resolver call, and
// the result keeps flagging the mapping for confirmation until a user
// verifies the fingerprint.
func TestImport_FingerprintReusedAcrossMonths(t *testing.T) {
	store := newFakeIngestStore()
	userID := uuid.New()

	fileHash := Fingerprint(
		[]string{"Date", "Description", "Amount"},
		[][]string{{"01/13/2026", "Coffee Shop", "4.50"}})
	fpID := uuid.New()
	store.fingerprints[fileHash] = models.StatementFingerprint{
		ID:       fpID,
		FileHash: fileHash,
		ColumnMapping: models.ColumnMapping{
			DateCol: 0, DescCol: 1, AmountCol: 2,
			DateLocale: "US", SignConvention: models.DebitsPositive,
		},
	}

	febData := []byte("Date,Description,Amount\n02/10/2026,Hardware Store,31.75\n")
	im := NewImporter(store, nil, clock.Real{})
	result, err := im.Import(context.Background(), userID, febData)
	require.NoError(t, err)
	require.Equal(t, 1, result.Inserted)
	require.Equal(t, fpID, result.FingerprintID)
	require.True(t, result.NeedsMappingConfirmation)
	require.EqualValues(t, 1, store.fingerprints[fileHash].Uses)

	fp := store.fingerprints[fileHash]
	fp.Verified = true
	store.fingerprints[fileHash] = fp

	marData := []byte("Date,Description,Amount\n03/02/2026,Bookstore,18.00\n")
	result, err = im.Import(context.Background(), userID, marData)
	require.NoError(t, err)
	require.False(t, result.NeedsMappingConfirmation)
}
