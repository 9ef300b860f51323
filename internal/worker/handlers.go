// Package worker wires the durable job runtime's per-kind Handlers to the
// rest of the core: receipt OCR extraction, receipt-to-transaction
// matching, transaction categorization, report generation, and the
// cache/embedding maintenance jobs all run here, off the request path,
// driven by internal/jobs.Queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/clock"
	"github.com/rawblock/expense-resolver/internal/db"
	"github.com/rawblock/expense-resolver/internal/jobs"
	"github.com/rawblock/expense-resolver/internal/matching"
	"github.com/rawblock/expense-resolver/internal/ports"
	"github.com/rawblock/expense-resolver/internal/resolver"
	"github.com/rawblock/expense-resolver/pkg/models"
	"github.com/rawblock/expense-resolver/pkg/money"
)

// glSuggestionSchema constrains the resolver's T3/T4 response when
// suggesting a GL/expense category code for a transaction description.
var glSuggestionSchema = []byte(`{
  "type": "object",
  "properties": {
    "value": {"type": "string"},
    "confidence": {"type": "number"}
  },
  "required": ["value", "confidence"]
}`)

// Handlers bundles the dependencies every registered job kind needs.
type Handlers struct {
	Store    *db.Store
	Blobs    ports.BlobStore
	Ocr      ports.OcrProvider
	Resolver *resolver.Resolver
	Matching *matching.Engine
	Queue    *jobs.Queue
	Clock    clock.Clock
}

// Register binds every handler this package implements onto q.
func (h *Handlers) Register(q *jobs.Queue) {
	q.Register(models.JobOcrExtract, h.OcrExtract)
	q.Register(models.JobMatchReceipt, h.MatchReceipt)
	q.Register(models.JobCategorizeTransaction, h.CategorizeTransaction)
	q.Register(models.JobGenerateReport, h.GenerateReport)
	q.Register(models.JobSyncReferenceData, h.SyncReferenceData)
	q.Register(models.JobWarmCache, h.WarmCache)
	q.Register(models.JobPurgeStaleEmbeddings, h.PurgeStaleEmbeddings)
}

// ocrTimeout bounds one provider extraction call; expiry is transient and
// retried by the job runtime.
const ocrTimeout = 120 * time.Second

type ocrExtractPayload struct {
	ReceiptID uuid.UUID `json:"receipt_id"`
}

// OcrExtract runs OCR over an uploaded receipt's blob, canonicalizes and
// resolves the vendor name through the Tiered Resolver, and writes the
// extracted fields back. On success it enqueues a match_receipt job so
// matching always runs against a fully-extracted receipt.
func (h *Handlers) OcrExtract(ctx context.Context, job *models.Job, reporter jobs.Reporter) (string, error) {
	var payload ocrExtractPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", apperr.Wrap(apperr.ValidationError, "ocr_extract payload", err)
	}

	receipt, err := h.Store.GetReceipt(ctx, payload.ReceiptID)
	if err != nil {
		return "", err
	}

	data, err := h.Blobs.Get(ctx, receipt.BlobRef)
	if err != nil {
		return "", apperr.Wrap(apperr.ProviderTransient, "fetch receipt blob", err)
	}

	if _, err := reporter.Update(ctx, 0, 3, 0); err != nil {
		return "", err
	}

	ocrCtx, cancelOcr := context.WithTimeout(ctx, ocrTimeout)
	result, err := h.Ocr.Extract(ocrCtx, data, nil)
	cancelOcr()
	if err != nil {
		return "", apperr.Wrap(apperr.ProviderTransient, "ocr extraction", err)
	}

	cancel, err := reporter.Update(ctx, 1, 3, 0)
	if err != nil {
		return "", err
	}
	if cancel {
		return "", apperr.New(apperr.Internal, "cancelled")
	}

	vendorField := result.FieldsWithConfidence["vendor"]
	vendor := vendorField.Value
	if vendor != "" {
		q := resolver.Question{
			Kind:     resolver.QuestionNormalizeVendor,
			UserID:   &receipt.UserID,
			RawInput: vendor,
			Prompt:   fmt.Sprintf("Normalize this merchant name extracted from a receipt: %q", vendor),
			Schema:   normalizeVendorSchema,
		}
		if ans, rerr := h.Resolver.Resolve(ctx, q); rerr == nil {
			var normalized string
			if json.Unmarshal(ans.Value, &normalized) == nil && normalized != "" {
				vendor = normalized
			}
		}
	}

	receipt.VendorExtracted = vendor
	receipt.OcrStatus = models.OcrExtracted
	receipt.ConfidenceByField = map[string]float64{}
	for k, f := range result.FieldsWithConfidence {
		receipt.ConfidenceByField[k] = f.Confidence
	}

	if amountField, ok := result.FieldsWithConfidence["amount"]; ok {
		if amt, aerr := money.New(amountField.Value); aerr == nil {
			receipt.Amount = &amt
		}
	}
	if taxField, ok := result.FieldsWithConfidence["tax"]; ok {
		if tax, terr := money.New(taxField.Value); terr == nil {
			receipt.Tax = &tax
		}
	}
	receipt.LineItems = receipt.LineItems[:0]
	for _, li := range result.LineItems {
		price, perr := money.New(li.UnitPrice)
		if perr != nil {
			continue
		}
		receipt.LineItems = append(receipt.LineItems, models.LineItem{
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitPrice:   price,
		})
	}
	if dateField, ok := result.FieldsWithConfidence["date"]; ok {
		if d, derr := parseDate(dateField.Value); derr == nil {
			receipt.Date = &d
		}
	}

	if err := h.Store.UpdateReceiptExtraction(ctx, receipt); err != nil {
		return "", err
	}

	if _, err := reporter.Update(ctx, 2, 3, 0); err != nil {
		return "", err
	}

	if h.Queue != nil && receipt.Amount != nil && receipt.Date != nil {
		matchPayload, _ := json.Marshal(matchReceiptPayload{ReceiptID: receipt.ID})
		if _, err := h.Queue.Enqueue(ctx, models.JobMatchReceipt, &receipt.UserID, matchPayload); err != nil {
			return "", apperr.Wrap(apperr.Internal, "enqueue match_receipt", err)
		}
	}

	if _, err := reporter.Update(ctx, 3, 3, 0); err != nil {
		return "", err
	}

	return receipt.ID.String(), nil
}

type matchReceiptPayload struct {
	ReceiptID uuid.UUID `json:"receipt_id"`
}

// MatchReceipt runs the Matching Engine's candidate search and scoring for
// a single receipt.
func (h *Handlers) MatchReceipt(ctx context.Context, job *models.Job, reporter jobs.Reporter) (string, error) {
	var payload matchReceiptPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", apperr.Wrap(apperr.ValidationError, "match_receipt payload", err)
	}

	// Serialize matching per receipt: two workers redelivered the same
	// receipt hold the advisory lock in turn, and the second sees the
	// first's proposal already in place.
	var match *models.Match
	err := h.Store.WithTx(ctx, func(ctx context.Context) error {
		if err := h.Store.LockReceiptForMatching(ctx, payload.ReceiptID); err != nil {
			return err
		}
		receipt, err := h.Store.GetReceipt(ctx, payload.ReceiptID)
		if err != nil {
			return err
		}
		open, err := h.Store.UnmatchedReceiptIDs(ctx, receipt.UserID)
		if err != nil {
			return err
		}
		for _, id := range open {
			if id == payload.ReceiptID {
				m, err := h.Matching.Propose(ctx, payload.ReceiptID)
				match = m
				return err
			}
		}
		return nil // already proposed or matched
	})
	if err != nil {
		return "", err
	}
	if _, err := reporter.Update(ctx, 1, 1, 0); err != nil {
		return "", err
	}
	if match == nil {
		return "no_match", nil
	}
	return match.ID.String(), nil
}

type categorizeTransactionPayload struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

// CategorizeTransaction asks the Tiered Resolver for a GL/expense category
// suggestion for a transaction's description.
func (h *Handlers) CategorizeTransaction(ctx context.Context, job *models.Job, reporter jobs.Reporter) (string, error) {
	var payload categorizeTransactionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", apperr.Wrap(apperr.ValidationError, "categorize_transaction payload", err)
	}

	tx, err := h.Store.GetTransaction(ctx, payload.TransactionID)
	if err != nil {
		return "", err
	}

	// A known split pattern for this vendor is cheaper and more precise
	// than any resolver tier: apply it directly instead of spending a T1-T4
	// lookup on a single GL code.
	if pattern, ok, perr := h.Store.SplitPatternByVendor(ctx, tx.UserID, tx.MerchantRaw); perr == nil && ok {
		if err := h.Store.ApplyTransactionSplit(ctx, tx.ID, pattern.ID); err != nil {
			return "", err
		}
		if _, err := reporter.Update(ctx, 1, 1, 0); err != nil {
			return "", err
		}
		return pattern.ID.String(), nil
	}

	q := resolver.Question{
		Kind:     resolver.QuestionSuggestGLCode,
		UserID:   &tx.UserID,
		RawInput: tx.Description,
		Prompt:   fmt.Sprintf("Suggest a general-ledger expense category code for this transaction description: %q, merchant %q", tx.Description, tx.MerchantRaw),
		Schema:   glSuggestionSchema,
	}
	ans, err := h.Resolver.Resolve(ctx, q)
	if err != nil {
		return "", err
	}

	var code string
	if err := json.Unmarshal(ans.Value, &code); err != nil {
		return "", apperr.Wrap(apperr.ProviderTransient, "gl code answer did not match expected shape", err)
	}

	if err := h.Store.UpdateTransactionCategory(ctx, tx.ID, code, string(models.ReimbursabilityPrediction)); err != nil {
		return "", err
	}
	if _, err := reporter.Update(ctx, 1, 1, 0); err != nil {
		return "", err
	}

	return code, nil
}

var normalizeVendorSchema = []byte(`{
  "type": "object",
  "properties": {
    "value": {"type": "string"},
    "confidence": {"type": "number"}
  },
  "required": ["value", "confidence"]
}`)

// receiptDateLayouts covers the date formats OCR providers commonly emit
// for printed receipts; the ingestion pipeline has its own locale-aware
// parser for bank-statement dates, which follow different conventions.
var receiptDateLayouts = []string{"2006-01-02", "01/02/2006", "01-02-2006", "Jan 2, 2006", "2 Jan 2006"}

func parseDate(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range receiptDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
