package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rawblock/expense-resolver/internal/resolver"
	"github.com/rawblock/expense-resolver/pkg/models"
)

// columnMappingSchema constrains the Tiered Resolver's T3/T4 response when
// inferring a column mapping from header labels and sample rows.
var columnMappingSchema = []byte(`{
  "type": "object",
  "properties": {
    "value": {
      "type": "object",
      "properties": {
        "date_col": {"type": "integer"},
        "desc_col": {"type": "integer"},
        "merchant_col": {"type": "integer"},
        "amount_col": {"type": "integer"},
        "debit_col": {"type": "integer"},
        "credit_col": {"type": "integer"},
        "post_date_col": {"type": "integer"},
        "is_double_entry": {"type": "boolean"},
        "decimal_comma": {"type": "boolean"},
        "date_locale": {"type": "string"},
        "sign_convention": {"type": "string"}
      },
      "required": ["date_col", "amount_col", "sign_convention"]
    },
    "confidence": {"type": "number"}
  },
  "required": ["value", "confidence"]
}`)

// InferColumnMapping asks the Tiered Resolver to infer a ColumnMapping
// from a header row and a handful of sample rows, used when no cached
// StatementFingerprint exists for this file's shape.
func InferColumnMapping(ctx context.Context, res *resolver.Resolver, headerRow []string, sampleRows [][]string) (models.ColumnMapping, error) {
	prompt := renderMappingPrompt(headerRow, sampleRows)
	q := resolver.Question{
		Kind:     resolver.QuestionColumnMapping,
		RawInput: strings.Join(headerRow, "|"),
		Prompt:   prompt,
		Schema:   columnMappingSchema,
	}

	ans, err := res.Resolve(ctx, q)
	if err != nil {
		return models.ColumnMapping{}, fmt.Errorf("resolving column mapping: %w", err)
	}

	var mapping models.ColumnMapping
	if err := json.Unmarshal(ans.Value, &mapping); err != nil {
		return models.ColumnMapping{}, fmt.Errorf("column mapping answer did not match expected shape: %w", err)
	}
	return mapping, nil
}

func renderMappingPrompt(headerRow []string, sampleRows [][]string) string {
	var sb strings.Builder
	sb.WriteString("Infer the column mapping for this bank statement export.\n")
	sb.WriteString("Header: " + strings.Join(headerRow, ", ") + "\n")
	for i, row := range sampleRows {
		sb.WriteString(fmt.Sprintf("Row %d: %s\n", i+1, strings.Join(row, ", ")))
	}
	return sb.String()
}
