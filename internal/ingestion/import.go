package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/clock"
	"github.com/rawblock/expense-resolver/internal/resolver"
	"github.com/rawblock/expense-resolver/pkg/models"
	"github.com/rawblock/expense-resolver/pkg/money"
)

// RowError records a single row that failed to parse; the import as a
// whole still succeeds as long as at least one row parsed.
type RowError struct {
	LineNum int
	Raw     []string
	Err     error
}

// Result is the outcome of one Import call. NeedsMappingConfirmation is
// set while the fingerprint's column mapping was machine-inferred and no
// user has verified it yet.
type Result struct {
	StatementID              uuid.UUID
	FingerprintID            uuid.UUID
	NeedsMappingConfirmation bool
	Inserted                 int
	Duplicates               int
	RowErrors                []RowError
}

// Importer drives the statement ingestion pipeline: sniff, detect header,
// fingerprint, resolve or reuse a column mapping, extract rows, and dedupe
// against both the current batch and existing DB rows.
type Importer struct {
	store    Store
	resolver *resolver.Resolver
	clock    clock.Clock
}

// NewImporter constructs an Importer.
func NewImporter(store Store, res *resolver.Resolver, clk clock.Clock) *Importer {
	return &Importer{store: store, resolver: res, clock: clk}
}

// Import parses raw upload bytes for userID and persists the resulting
// transactions, exactly once per distinct (user, dedup key).
func (im *Importer) Import(ctx context.Context, userID uuid.UUID, data []byte) (Result, error) {
	kind, text := SniffFileKind(data)
	if kind != FileKindDelimitedText {
		return Result{}, apperr.New(apperr.UnrecognizedFormat, "upload is not a recognized delimited statement file")
	}

	reader := csv.NewReader(strings.NewReader(string(text)))
	reader.FieldsPerRecord = -1
	allRows, err := reader.ReadAll()
	if err != nil {
		return Result{}, apperr.Wrap(apperr.UnrecognizedFormat, "could not parse file as delimited text", err)
	}
	if len(allRows) == 0 {
		return Result{}, apperr.New(apperr.UnrecognizedFormat, "file contains no rows")
	}

	headerIdx := FindHeaderRow(allRows)
	if headerIdx == -1 {
		return Result{}, apperr.New(apperr.UnrecognizedFormat, "could not locate a header row in the first 10 rows")
	}
	headerRow := allRows[headerIdx]

	sampleEnd := headerIdx + 1 + sampleRowCount
	if sampleEnd > len(allRows) {
		sampleEnd = len(allRows)
	}
	sampleRows := allRows[headerIdx+1 : sampleEnd]

	fileHash := Fingerprint(headerRow, sampleRows)
	fingerprint, found, err := im.store.LookupFingerprint(ctx, fileHash)
	if err != nil {
		return Result{}, err
	}
	var mapping models.ColumnMapping
	if found {
		mapping = fingerprint.ColumnMapping
		if err := im.store.TouchFingerprint(ctx, fingerprint.ID); err != nil {
			return Result{}, err
		}
	} else {
		mapping, err = InferColumnMapping(ctx, im.resolver, headerRow, sampleRows)
		if err != nil {
			return Result{}, err
		}
		fingerprint = models.StatementFingerprint{
			ID:              uuid.New(),
			FileHash:        fileHash,
			ColumnMapping:   mapping,
			HeaderRowIdx:    headerIdx,
			CreatedByUserID: userID,
			Verified:        false,
			Uses:            0,
			CreatedAt:       im.clock.Now(),
		}
		if err := im.store.SaveFingerprint(ctx, fingerprint); err != nil {
			return Result{}, err
		}
	}

	statementID := uuid.New()
	dataRows := allRows[headerIdx+1:]

	type parsedRow struct {
		tx      models.Transaction
		dedup   string
		lineNum int
	}

	var parsed []parsedRow
	var rowErrors []RowError
	seenInBatch := map[string]bool{}

	for i, row := range dataRows {
		lineNum := headerIdx + 2 + i
		tx, dedupKey, err := parseRow(userID, statementID, mapping, row)
		if err != nil {
			rowErrors = append(rowErrors, RowError{LineNum: lineNum, Raw: row, Err: err})
			continue
		}
		if seenInBatch[dedupKey] {
			continue
		}
		seenInBatch[dedupKey] = true
		parsed = append(parsed, parsedRow{tx: tx, dedup: dedupKey, lineNum: lineNum})
	}

	if len(parsed) == 0 {
		return Result{
			StatementID:              statementID,
			FingerprintID:            fingerprint.ID,
			NeedsMappingConfirmation: !fingerprint.Verified,
			RowErrors:                rowErrors,
		}, nil
	}

	keys := make([]string, 0, len(parsed))
	for _, p := range parsed {
		keys = append(keys, p.dedup)
	}
	existing, err := im.store.ExistingDedupKeys(ctx, userID, keys)
	if err != nil {
		return Result{}, err
	}

	toInsert := make([]models.Transaction, 0, len(parsed))
	duplicates := 0
	for _, p := range parsed {
		if existing[p.dedup] {
			duplicates++
			continue
		}
		toInsert = append(toInsert, p.tx)
	}

	inserted := 0
	if len(toInsert) > 0 {
		inserted, err = im.store.InsertTransactions(ctx, statementID, toInsert)
		if err != nil {
			return Result{}, err
		}
	}

	log.Printf("[Ingestion] statement %s: %d inserted, %d duplicates, %d row errors", statementID, inserted, duplicates, len(rowErrors))

	return Result{
		StatementID:              statementID,
		FingerprintID:            fingerprint.ID,
		NeedsMappingConfirmation: !fingerprint.Verified,
		Inserted:                 inserted,
		Duplicates:               duplicates,
		RowErrors:                rowErrors,
	}, nil
}

// parseRow applies mapping to a single raw CSV row, producing a
// Transaction and its dedup key, or an error describing what failed.
func parseRow(userID, statementID uuid.UUID, mapping models.ColumnMapping, row []string) (models.Transaction, string, error) {
	col := func(idx int) (string, bool) {
		if idx < 0 || idx >= len(row) {
			return "", false
		}
		return strings.TrimSpace(row[idx]), true
	}

	dateStr, ok := col(mapping.DateCol)
	if !ok || dateStr == "" {
		return models.Transaction{}, "", fmt.Errorf("missing date column")
	}
	date, err := parseDate(dateStr, mapping.DateLocale)
	if err != nil {
		return models.Transaction{}, "", fmt.Errorf("invalid date %q: %w", dateStr, err)
	}

	var amount money.Amount
	if mapping.IsDoubleEntry {
		amount, err = parseDoubleEntryAmount(mapping, row, col)
	} else {
		amountStr, found := col(mapping.AmountCol)
		if !found || amountStr == "" {
			return models.Transaction{}, "", fmt.Errorf("missing amount column")
		}
		amount, err = parseAmount(amountStr, mapping)
	}
	if err != nil {
		return models.Transaction{}, "", fmt.Errorf("invalid amount: %w", err)
	}
	if mapping.SignConvention == models.DebitsPositive {
		amount = amount.Neg()
	}

	desc, _ := col(mapping.DescCol)
	merchant, hasMerchant := col(mapping.MerchantCol)
	if !hasMerchant || merchant == "" {
		merchant = desc
	}

	tx := models.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		StatementID: statementID,
		Description: desc,
		MerchantRaw: merchant,
		Amount:      amount,
		Date:        date,
		MatchStatus: models.MatchStatusUnmatched,
		RowVersion:  1,
	}
	if postDateStr, ok := col(mapping.PostDateCol); ok && postDateStr != "" {
		if pd, err := parseDate(postDateStr, mapping.DateLocale); err == nil {
			tx.PostDate = &pd
		}
	}

	return tx, dedupKey(userID, date, amount, desc), nil
}

func parseDoubleEntryAmount(mapping models.ColumnMapping, row []string, col func(int) (string, bool)) (money.Amount, error) {
	debitStr, _ := col(mapping.DebitCol)
	creditStr, _ := col(mapping.CreditCol)
	debitStr = strings.TrimSpace(debitStr)
	creditStr = strings.TrimSpace(creditStr)

	if debitStr != "" {
		amt, err := parseAmount(debitStr, mapping)
		if err != nil {
			return money.Zero, err
		}
		return amt.Neg(), nil
	}
	if creditStr != "" {
		return parseAmount(creditStr, mapping)
	}
	return money.Zero, fmt.Errorf("both debit and credit columns empty")
}

func parseAmount(raw string, mapping models.ColumnMapping) (money.Amount, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "$")
	if mapping.DecimalComma {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return money.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	return money.New(s)
}

func parseDate(raw, locale string) (time.Time, error) {
	layouts := map[string][]string{
		"ISO": {"2006-01-02"},
		"US":  {"01/02/2006", "1/2/2006"},
		"EU":  {"02/01/2006", "2/1/2006", "02-01-2006"},
	}[strings.ToUpper(locale)]
	if len(layouts) == 0 {
		layouts = []string{"2006-01-02", "01/02/2006", "02/01/2006"}
	}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// dedupKey computes the idempotent-import key: the same (user, date,
// amount, first-40-normalized-description-chars) tuple across any number
// of uploads collapses to a single row.
func dedupKey(userID uuid.UUID, date time.Time, amount money.Amount, description string) string {
	return DedupKey(userID, date, amount, description)
}

// DedupKey is the exported form of dedupKey, used by internal/db to
// recompute the same key at insert time so the dedup_key column stays
// consistent with what ExistingDedupKeys was checked against.
func DedupKey(userID uuid.UUID, date time.Time, amount money.Amount, description string) string {
	normalized := strings.ToLower(strings.TrimSpace(description))
	if len(normalized) > 40 {
		normalized = normalized[:40]
	}
	raw := fmt.Sprintf("%s|%s|%s|%s", userID, date.Format("2006-01-02"), amount.String(), normalized)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
