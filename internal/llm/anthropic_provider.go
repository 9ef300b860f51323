// Package llm adapts the Anthropic API to the ports.LlmProvider interface,
// backing both the T3 small-model and T4 large-model resolver tiers.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/ports"
)

// Provider is the anthropic-sdk-go backed LlmProvider. One instance
// serves both model classes; the model string used per call is selected
// by CompletionOptions.ModelClass.
type Provider struct {
	client     anthropic.Client
	smallModel anthropic.Model
	largeModel anthropic.Model
	maxRetries uint64
}

// New constructs a Provider. smallModel/largeModel select which concrete
// Anthropic model backs the T3/T4 tiers respectively.
func New(apiKey string, smallModel, largeModel anthropic.Model) *Provider {
	return &Provider{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		smallModel: smallModel,
		largeModel: largeModel,
		maxRetries: 3,
	}
}

// Complete issues a schema-constrained completion, retrying transient
// provider errors with exponential backoff before surfacing a
// ProviderTransient apperr to the caller's circuit breaker.
func (p *Provider) Complete(ctx context.Context, prompt string, schema []byte, opts ports.CompletionOptions) (ports.CompletionResult, error) {
	model := p.smallModel
	if opts.ModelClass == ports.ModelLarge {
		model = p.largeModel
	}

	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	systemPrompt := fmt.Sprintf(
		"Respond with a single JSON object matching this schema exactly, "+
			"and nothing else: %s", string(schema))

	var result ports.CompletionResult

	operation := func() error {
		msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     model,
			MaxTokens: maxTokens,
			System: []anthropic.TextBlockParam{
				{Text: systemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
			Temperature: anthropic.Float(opts.Temperature),
		})
		if err != nil {
			return err
		}

		var text string
		for _, block := range msg.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		if !json.Valid([]byte(text)) {
			return backoff.Permanent(fmt.Errorf("provider response was not valid JSON"))
		}

		result = ports.CompletionResult{
			Content:     json.RawMessage(text),
			UsageTokens: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return ports.CompletionResult{}, apperr.Wrap(apperr.ProviderTransient, "anthropic completion failed after retries", err)
	}

	return result, nil
}

// DefaultTimeout is a 25-second bound for a single Complete call. Complete
// does not apply it itself; it runs under the caller's context deadline
// (the resolver's per-tier timeouts).
const DefaultTimeout = 25 * time.Second
