package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/db"
	"github.com/rawblock/expense-resolver/internal/ingestion"
	"github.com/rawblock/expense-resolver/internal/jobs"
	"github.com/rawblock/expense-resolver/internal/matching"
	"github.com/rawblock/expense-resolver/internal/ports"
	"github.com/rawblock/expense-resolver/internal/resolver"
	"github.com/rawblock/expense-resolver/pkg/models"
)

// maxUploadBytes bounds a single receipt/statement upload to prevent
// unbounded memory use from a single request.
const maxUploadBytes = 25 << 20

type APIHandler struct {
	store    *db.Store
	blobs    ports.BlobStore
	resolver *resolver.Resolver
	stats    *resolver.Stats
	matching *matching.Engine
	importer *ingestion.Importer
	queue    *jobs.Queue
	wsHub    *Hub
}

// SetupRouter wires the gin router: a CORS middleware applied to every
// route, a public group carrying health and the websocket stream, and an
// auth+rate-limited group carrying everything that reads or writes user
// data.
func SetupRouter(store *db.Store, blobs ports.BlobStore, res *resolver.Resolver, stats *resolver.Stats,
	eng *matching.Engine, importer *ingestion.Importer, queue *jobs.Queue, wsHub *Hub, authToken string) *gin.Engine {
	r := gin.Default()

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	h := &APIHandler{
		store:    store,
		blobs:    blobs,
		resolver: res,
		stats:    stats,
		matching: eng,
		importer: importer,
		queue:    queue,
		wsHub:    wsHub,
	}

	pub := r.Group("/api/v1")
	{
		pub.GET("/health", h.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
	}

	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware(authToken))
	auth.Use(NewRateLimiter(60, 10).Middleware())
	{
		auth.POST("/receipts", h.handleUploadReceipt)
		auth.GET("/receipts", h.handleListReceipts)

		auth.POST("/statements", h.handleUploadStatement)
		auth.POST("/statements/fingerprints/:id/verify", h.handleVerifyFingerprint)

		auth.POST("/receipts/:id/corrections", h.handleCorrectReceiptField)
		auth.POST("/transactions/:id/category", h.handleConfirmCategory)

		auth.GET("/matches", h.handleListProposals)
		auth.POST("/matches/run", h.handleRunMatching)
		auth.GET("/matches/proposals/:receipt_id", h.handleMatchCandidates)
		auth.POST("/matches/manual", h.handleCreateManualMatch)
		auth.POST("/matches/:id/confirm", h.handleConfirmMatch)
		auth.POST("/matches/:id/reject", h.handleRejectMatch)

		auth.POST("/split-patterns", h.handleUpsertSplitPattern)

		auth.GET("/resolver/stats", h.handleResolverStats)

		auth.GET("/jobs", h.handleListJobs)
		auth.GET("/jobs/:id", h.handleGetJob)
		auth.POST("/jobs/:id/cancel", h.handleCancelJob)
	}

	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"service": "expense-resolver",
	})
}

func userIDFromHeader(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader("X-User-Id")
	if raw == "" {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// handleUploadReceipt accepts a receipt image/PDF, stores the blob, and
// enqueues ocr_extract. Extraction and matching both run asynchronously;
// the caller polls /jobs/:id or listens on /stream for progress.
func (h *APIHandler) handleUploadReceipt(c *gin.Context) {
	userID, ok := userIDFromHeader(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-Id header"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read upload body (too large or truncated)"})
		return
	}

	blobRef, err := h.blobs.Put(c.Request.Context(), "receipts/"+uuid.NewString(), data)
	if err != nil {
		writeErr(c, apperr.Wrap(apperr.ProviderTransient, "store receipt blob", err))
		return
	}

	receipt := &models.Receipt{
		ID:        uuid.New(),
		UserID:    userID,
		BlobRef:   blobRef,
		OcrStatus: models.OcrPending,
		Currency:  "USD",
	}
	if err := h.store.CreateReceipt(c.Request.Context(), receipt); err != nil {
		writeErr(c, err)
		return
	}

	payload := []byte(`{"receipt_id":"` + receipt.ID.String() + `"}`)
	jobID, err := h.queue.Enqueue(c.Request.Context(), models.JobOcrExtract, &userID, payload)
	if err != nil {
		writeErr(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"receipt_id": receipt.ID, "job_id": jobID})
}

func (h *APIHandler) handleListReceipts(c *gin.Context) {
	userID, ok := userIDFromHeader(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-Id header"})
		return
	}
	receipts, err := h.store.ListReceipts(c.Request.Context(), userID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": receipts})
}

// handleUploadStatement runs ingestion synchronously (parsing a CSV is
// cheap relative to OCR/LLM calls) and returns the import result directly.
func (h *APIHandler) handleUploadStatement(c *gin.Context) {
	userID, ok := userIDFromHeader(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-Id header"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read upload body (too large or truncated)"})
		return
	}

	result, err := h.importer.Import(c.Request.Context(), userID, data)
	if err != nil {
		writeErr(c, err)
		return
	}

	status := http.StatusOK
	if result.Inserted > 0 {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"statement_id":               result.StatementID,
		"fingerprint_id":             result.FingerprintID,
		"needs_mapping_confirmation": result.NeedsMappingConfirmation,
		"imported":                   result.Inserted,
		"duplicates":                 result.Duplicates,
		"failed_rows":                len(result.RowErrors),
	})
}

// handleVerifyFingerprint promotes a machine-inferred column mapping to
// verified after a user has reviewed the imported rows; later uploads of
// the same shape stop asking for confirmation.
func (h *APIHandler) handleVerifyFingerprint(c *gin.Context) {
	fpID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fingerprint id"})
		return
	}
	if err := h.store.VerifyFingerprint(c.Request.Context(), fpID); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type correctReceiptFieldRequest struct {
	Field      string `json:"field" binding:"required"`
	Corrected  string `json:"corrected" binding:"required"`
	RowVersion int64  `json:"row_version" binding:"required"`
}

// handleCorrectReceiptField lets a user fix an OCR-extracted field by hand;
// the correction is recorded as an ExtractionCorrection alongside the
// receipt update so mis-extractions stay auditable.
func (h *APIHandler) handleCorrectReceiptField(c *gin.Context) {
	userID, ok := userIDFromHeader(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-Id header"})
		return
	}
	receiptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receipt id"})
		return
	}
	var req correctReceiptFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected body {field, corrected, row_version}"})
		return
	}

	receipt, err := h.store.CorrectReceiptField(c.Request.Context(), receiptID, req.Field, req.Corrected, req.RowVersion, userID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": receipt})
}

// handleRunMatching runs the matching engine over every unmatched receipt
// the user owns. Idempotent: a second run on an unchanged dataset creates
// zero new proposals.
func (h *APIHandler) handleRunMatching(c *gin.Context) {
	userID, ok := userIDFromHeader(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-Id header"})
		return
	}
	created, err := h.matching.RunAll(c.Request.Context(), userID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals_created": created})
}

// handleMatchCandidates exposes the full scored candidate pool for one
// receipt, for manual review of ambiguous or below-threshold outcomes.
func (h *APIHandler) handleMatchCandidates(c *gin.Context) {
	receiptID, err := uuid.Parse(c.Param("receipt_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receipt id"})
		return
	}
	candidates, err := h.matching.Candidates(c.Request.Context(), receiptID)
	if err != nil {
		writeErr(c, err)
		return
	}

	out := make([]gin.H, 0, len(candidates))
	for _, cand := range candidates {
		id := cand.TransactionID
		if cand.Kind == models.CandidateGroup {
			id = cand.GroupID
		}
		out = append(out, gin.H{
			"id":           id,
			"type":         cand.Kind,
			"score":        cand.Confidence,
			"amount_score": cand.Scores.Amount,
			"date_score":   cand.Scores.Date,
			"vendor_score": cand.Scores.Vendor,
			"rationale": fmt.Sprintf("amount %.2f, date %.2f, vendor %.2f",
				cand.Scores.Amount, cand.Scores.Date, cand.Scores.Vendor),
		})
	}
	c.JSON(http.StatusOK, gin.H{"candidates": out})
}

func (h *APIHandler) handleListProposals(c *gin.Context) {
	userID, ok := userIDFromHeader(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-Id header"})
		return
	}
	proposals, err := h.store.ListMatchProposals(c.Request.Context(), userID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": proposals})
}

type confirmMatchRequest struct {
	RowVersion int64 `json:"row_version" binding:"required"`
}

func (h *APIHandler) handleConfirmMatch(c *gin.Context) {
	matchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match id"})
		return
	}
	var req confirmMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected body {row_version}"})
		return
	}

	match, err := h.matching.Confirm(c.Request.Context(), matchID, req.RowVersion)
	if err != nil {
		writeErr(c, err)
		return
	}

	h.broadcastEvent("match_confirmed", match)
	c.JSON(http.StatusOK, gin.H{"data": match})
}

type manualMatchRequest struct {
	ReceiptID     uuid.UUID  `json:"receipt_id" binding:"required"`
	TransactionID *uuid.UUID `json:"transaction_id"`
	GroupID       *uuid.UUID `json:"group_id"`
}

// handleCreateManualMatch lets a user assert a receipt/transaction(-group)
// pairing directly, bypassing the scoring cascade. Exactly one of
// transaction_id/group_id must be present; the engine enforces the XOR.
func (h *APIHandler) handleCreateManualMatch(c *gin.Context) {
	var req manualMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected body {receipt_id, transaction_id? xor group_id?}"})
		return
	}

	match, err := h.matching.CreateManualMatch(c.Request.Context(), req.ReceiptID, req.TransactionID, req.GroupID)
	if err != nil {
		writeErr(c, err)
		return
	}

	h.broadcastEvent("match_proposed", match)
	c.JSON(http.StatusCreated, gin.H{"proposal_id": match.ID})
}

func (h *APIHandler) handleRejectMatch(c *gin.Context) {
	matchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match id"})
		return
	}
	var req confirmMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected body {row_version}"})
		return
	}

	match, err := h.matching.Unmatch(c.Request.Context(), matchID, req.RowVersion)
	if err != nil {
		writeErr(c, err)
		return
	}

	h.broadcastEvent("match_rejected", match)
	c.JSON(http.StatusOK, gin.H{"data": match})
}

type upsertSplitPatternRequest struct {
	TriggerVendor string             `json:"trigger_vendor" binding:"required"`
	Allocations   []models.Allocation `json:"allocations" binding:"required"`
}

// handleUpsertSplitPattern defines (or replaces) how a recurring vendor's
// charges should be allocated across GL/department codes; categorize_transaction
// applies it on every future transaction from that vendor.
func (h *APIHandler) handleUpsertSplitPattern(c *gin.Context) {
	userID, ok := userIDFromHeader(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-Id header"})
		return
	}
	var req upsertSplitPatternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected body {trigger_vendor, allocations}"})
		return
	}

	pattern := &models.SplitPattern{
		UserID:        userID,
		TriggerVendor: req.TriggerVendor,
		Allocations:   req.Allocations,
	}
	if err := h.store.UpsertSplitPattern(c.Request.Context(), pattern); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pattern})
}

type confirmCategoryRequest struct {
	CategoryCode string `json:"category_code" binding:"required"`
}

// handleConfirmCategory records a user's category decision for a
// transaction. The override is authoritative, and the confirmation is the
// learning writeback: the resolver's T1 cache gets the canonical
// description mapped to this code, a verified embedding is seeded, and a
// feedback row preserves what the prediction originally said.
func (h *APIHandler) handleConfirmCategory(c *gin.Context) {
	userID, ok := userIDFromHeader(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-Id header"})
		return
	}
	txID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}
	var req confirmCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected body {category_code}"})
		return
	}

	tx, err := h.store.GetTransaction(c.Request.Context(), txID)
	if err != nil {
		writeErr(c, err)
		return
	}

	original := ""
	if tx.CategoryCode != nil {
		original = *tx.CategoryCode
	}
	if err := h.store.UpdateTransactionCategory(c.Request.Context(), txID, req.CategoryCode,
		string(models.ReimbursabilityOverride)); err != nil {
		writeErr(c, err)
		return
	}

	codeJSON, _ := json.Marshal(req.CategoryCode)
	q := resolver.Question{
		Kind:     resolver.QuestionSuggestGLCode,
		UserID:   &tx.UserID,
		RawInput: tx.Description,
	}
	// A user confirmation is as strong a signal as a T4 answer: write the
	// T1 cache and seed a verified embedding.
	if err := h.resolver.Confirm(c.Request.Context(), q, resolver.Answer{
		Value: codeJSON, Tier: resolver.TierLargeLLM, Confidence: 1,
	}); err != nil {
		writeErr(c, err)
		return
	}

	if err := h.store.InsertPredictionFeedback(c.Request.Context(), models.PredictionFeedback{
		ID:        uuid.New(),
		SubjectID: txID,
		Field:     "category_code",
		Original:  original,
		Corrected: req.CategoryCode,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		writeErr(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// handleResolverStats surfaces the rolling tier hit-rate and cost sum —
// the budget gate the tiered design exists to drive down.
func (h *APIHandler) handleResolverStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.stats.Snapshot()})
}

func (h *APIHandler) handleListJobs(c *gin.Context) {
	var userID *uuid.UUID
	if id, ok := userIDFromHeader(c); ok {
		userID = &id
	}
	list, err := h.store.ListJobs(c.Request.Context(), userID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (h *APIHandler) handleGetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (h *APIHandler) handleCancelJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	if err := h.queue.Cancel(c.Request.Context(), jobID); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel_requested"})
}

func (h *APIHandler) broadcastEvent(kind string, payload any) {
	data, err := json.Marshal(gin.H{"type": kind, "data": payload})
	if err != nil {
		return
	}
	h.wsHub.Broadcast(data)
}

// writeErr maps an apperr.Kind to the matching HTTP status.
func writeErr(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.ValidationError, apperr.UnrecognizedFormat:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.ProviderUnavailable, apperr.ProviderTransient:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
