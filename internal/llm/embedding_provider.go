package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/rawblock/expense-resolver/internal/apperr"
)

// EmbeddingProvider calls a Voyage-AI-compatible embeddings endpoint. No
// embeddings SDK surfaced anywhere in the example pack, so this talks to
// the HTTP API directly with net/http (see DESIGN.md for the
// standard-library justification).
type EmbeddingProvider struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
}

// NewEmbeddingProvider constructs an EmbeddingProvider. baseURL defaults
// to the Voyage AI API when empty.
func NewEmbeddingProvider(apiKey, baseURL, model string) *EmbeddingProvider {
	if baseURL == "" {
		baseURL = "https://api.voyageai.com/v1/embeddings"
	}
	return &EmbeddingProvider{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
	}
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in the same order.
func (p *EmbeddingProvider) Embed(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	body, err := json.Marshal(embeddingRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "marshaling embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "building embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderTransient, "embedding request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, apperr.New(apperr.ProviderTransient, fmt.Sprintf("embedding provider returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.New(apperr.ProviderUnavailable, fmt.Sprintf("embedding provider returned %d", resp.StatusCode))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Wrap(apperr.ProviderTransient, "decoding embedding response", err)
	}

	vecs := make([]pgvector.Vector, len(parsed.Data))
	for i, d := range parsed.Data {
		vecs[i] = pgvector.NewVector(d.Embedding)
	}
	return vecs, nil
}
