package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/jobs"
	"github.com/rawblock/expense-resolver/internal/resolver"
	"github.com/rawblock/expense-resolver/pkg/models"
	"github.com/rawblock/expense-resolver/pkg/money"
)

type generateReportPayload struct {
	UserID uuid.UUID `json:"user_id"`
	From   string    `json:"from"` // 2006-01-02
	To     string    `json:"to"`
}

// reportCategoryLine is one GL-code bucket of a generated expense report.
type reportCategoryLine struct {
	CategoryCode string `json:"category_code"`
	Count        int    `json:"count"`
	Total        string `json:"total"`
}

// reportDocument is the JSON body written to blob storage by
// generate_report; result_ref points at it.
type reportDocument struct {
	UserID       uuid.UUID            `json:"user_id"`
	From         string               `json:"from"`
	To           string               `json:"to"`
	Transactions int                  `json:"transactions"`
	Matched      int                  `json:"matched"`
	Total        string               `json:"total"`
	ByCategory   []reportCategoryLine `json:"by_category"`
}

// buildReport folds a transaction set into per-category totals. Uncoded
// transactions land in the "uncategorized" bucket so the report always
// sums to the full set.
func buildReport(userID uuid.UUID, from, to string, txs []models.Transaction) reportDocument {
	doc := reportDocument{UserID: userID, From: from, To: to, Transactions: len(txs)}

	totals := map[string]*reportCategoryLine{}
	var order []string
	grand := money.FromCents(0)
	for _, tx := range txs {
		if tx.MatchStatus == models.MatchStatusMatched {
			doc.Matched++
		}
		code := "uncategorized"
		if tx.CategoryCode != nil && *tx.CategoryCode != "" {
			code = *tx.CategoryCode
		}
		line, ok := totals[code]
		if !ok {
			line = &reportCategoryLine{CategoryCode: code, Total: "0"}
			totals[code] = line
			order = append(order, code)
		}
		line.Count++
		sum, _ := money.New(line.Total)
		line.Total = sum.Add(tx.Amount).String()
		grand = grand.Add(tx.Amount)
	}

	doc.Total = grand.String()
	for _, code := range order {
		doc.ByCategory = append(doc.ByCategory, *totals[code])
	}
	return doc
}

// GenerateReport aggregates a user's transactions over a date range into a
// per-category expense report and writes it to blob storage.
func (h *Handlers) GenerateReport(ctx context.Context, job *models.Job, reporter jobs.Reporter) (string, error) {
	var payload generateReportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", apperr.Wrap(apperr.ValidationError, "generate_report payload", err)
	}
	from, err := parseDate(payload.From)
	if err != nil {
		return "", apperr.Wrap(apperr.ValidationError, "generate_report from date", err)
	}
	to, err := parseDate(payload.To)
	if err != nil {
		return "", apperr.Wrap(apperr.ValidationError, "generate_report to date", err)
	}

	txs, err := h.Store.TransactionsInRange(ctx, payload.UserID, from, to)
	if err != nil {
		return "", err
	}
	cancel, err := reporter.Update(ctx, 0, len(txs)+1, 0)
	if err != nil || cancel {
		return "", orCancelled(err)
	}

	doc := buildReport(payload.UserID, payload.From, payload.To, txs)
	body, err := json.Marshal(doc)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "encode report", err)
	}

	ref, err := h.Blobs.Put(ctx, "reports/"+job.ID.String()+".json", body)
	if err != nil {
		return "", apperr.Wrap(apperr.ProviderTransient, "store report", err)
	}
	if _, err := reporter.Update(ctx, len(txs)+1, len(txs)+1, 0); err != nil {
		return "", err
	}
	return ref, nil
}

type syncReferenceDataPayload struct {
	BlobRef string `json:"blob_ref"`
}

// SyncReferenceData loads a chart-of-accounts snapshot (uploaded out of
// band by the ERP bridge) from blob storage and replaces the gl_codes
// reference table with it.
func (h *Handlers) SyncReferenceData(ctx context.Context, job *models.Job, reporter jobs.Reporter) (string, error) {
	var payload syncReferenceDataPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", apperr.Wrap(apperr.ValidationError, "sync_reference_data payload", err)
	}

	body, err := h.Blobs.Get(ctx, payload.BlobRef)
	if err != nil {
		return "", apperr.Wrap(apperr.ProviderTransient, "fetch reference snapshot", err)
	}

	var codes []models.GLCode
	if err := json.Unmarshal(body, &codes); err != nil {
		return "", apperr.Wrap(apperr.ValidationError, "reference snapshot is not a GL code list", err)
	}
	if len(codes) == 0 {
		return "", apperr.New(apperr.ValidationError, "reference snapshot is empty; refusing to deactivate the whole chart of accounts")
	}

	cancel, err := reporter.Update(ctx, 0, len(codes), 0)
	if err != nil || cancel {
		return "", orCancelled(err)
	}

	applied, err := h.Store.ReplaceGLCodes(ctx, codes, h.Clock.Now())
	if err != nil {
		return "", err
	}
	if _, err := reporter.Update(ctx, applied, len(codes), 0); err != nil {
		return "", err
	}
	return strconv.Itoa(applied), nil
}

type warmCachePayload struct {
	UserID uuid.UUID `json:"user_id"`
	Limit  int       `json:"limit,omitempty"`
}

const (
	defaultWarmLimit      = 50
	globalPromotionQuorum = 3
)

// WarmCache pre-resolves a user's most frequent transaction descriptions
// so they hit T1 on the next categorization pass, then promotes embeddings
// that enough users have independently confirmed to global scope. Warmed
// entries carry the resolver's own confidence; only a user confirmation
// ever seeds a verified embedding.
func (h *Handlers) WarmCache(ctx context.Context, job *models.Job, reporter jobs.Reporter) (string, error) {
	var payload warmCachePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", apperr.Wrap(apperr.ValidationError, "warm_cache payload", err)
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = defaultWarmLimit
	}

	descriptions, err := h.Store.FrequentDescriptions(ctx, payload.UserID, limit)
	if err != nil {
		return "", err
	}

	warmed, failed := 0, 0
	for i, desc := range descriptions {
		cancel, err := reporter.Update(ctx, i, len(descriptions), failed)
		if err != nil {
			return "", err
		}
		if cancel {
			return fmt.Sprintf("warmed %d (cancelled)", warmed), nil
		}

		canonical := resolver.Canonicalize(desc)
		if _, hit, err := h.Store.Lookup(ctx, &payload.UserID, canonical); err != nil {
			return "", err
		} else if hit {
			continue
		}

		q := resolver.Question{
			Kind:     resolver.QuestionNormalizeVendor,
			UserID:   &payload.UserID,
			RawInput: desc,
			Prompt:   fmt.Sprintf("Normalize this merchant name from a bank statement description: %q", desc),
			Schema:   normalizeVendorSchema,
		}
		ans, err := h.Resolver.Resolve(ctx, q)
		if err != nil {
			if apperr.KindOf(err) == apperr.ProviderUnavailable {
				return "", err // retry the whole batch once providers recover
			}
			failed++
			continue
		}

		var normalized string
		if json.Unmarshal(ans.Value, &normalized) != nil || normalized == "" {
			failed++
			continue
		}
		if err := h.Store.Upsert(ctx, &payload.UserID, canonical, normalized, ans.Confidence); err != nil {
			return "", err
		}
		warmed++
	}

	promoted, err := h.Store.PromoteGlobalEmbeddings(ctx, globalPromotionQuorum)
	if err != nil {
		return "", err
	}
	if _, err := reporter.Update(ctx, len(descriptions), len(descriptions), failed); err != nil {
		return "", err
	}
	return fmt.Sprintf("warmed %d, promoted %d", warmed, promoted), nil
}

// PurgeStaleEmbeddings drops embedding rows past their stale_after
// deadline. Purging is idempotent; a redelivered job deletes nothing new.
func (h *Handlers) PurgeStaleEmbeddings(ctx context.Context, job *models.Job, reporter jobs.Reporter) (string, error) {
	purged, err := h.Store.PurgeStaleEmbeddings(ctx, h.Clock.Now())
	if err != nil {
		return "", err
	}
	if _, err := reporter.Update(ctx, purged, purged, 0); err != nil {
		return "", err
	}
	return strconv.Itoa(purged), nil
}

// orCancelled normalizes the Update-returned-cancel case: a nil err with
// cancel=true still has to stop the handler without marking it failed.
func orCancelled(err error) error {
	if err != nil {
		return err
	}
	return apperr.New(apperr.Internal, "cancelled")
}
