package worker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/expense-resolver/pkg/models"
	"github.com/rawblock/expense-resolver/pkg/money"
)

func TestParseDate_AcceptsCommonReceiptFormats(t *testing.T) {
	cases := []string{"2024-03-15", "03/15/2024", "03-15-2024", "Mar 15, 2024", "15 Mar 2024"}
	for _, raw := range cases {
		d, err := parseDate(raw)
		require.NoError(t, err, raw)
		require.Equal(t, 2024, d.Year())
		require.Equal(t, 15, d.Day())
	}
}

func TestParseDate_RejectsGarbage(t *testing.T) {
	_, err := parseDate("not a date")
	require.Error(t, err)
}

func TestBuildReport_BucketsByCategory(t *testing.T) {
	userID := uuid.New()
	travel := "6100-TRAVEL"
	meals := "6200-MEALS"
	txs := []models.Transaction{
		{Amount: amt(t, "120.00"), CategoryCode: &travel, MatchStatus: models.MatchStatusMatched},
		{Amount: amt(t, "80.00"), CategoryCode: &travel},
		{Amount: amt(t, "24.50"), CategoryCode: &meals},
		{Amount: amt(t, "9.99")}, // uncategorized
	}

	doc := buildReport(userID, "2026-01-01", "2026-01-31", txs)
	require.Equal(t, 4, doc.Transactions)
	require.Equal(t, 1, doc.Matched)
	require.Equal(t, "234.49", doc.Total)
	require.Len(t, doc.ByCategory, 3)

	byCode := map[string]reportCategoryLine{}
	for _, line := range doc.ByCategory {
		byCode[line.CategoryCode] = line
	}
	require.Equal(t, "200", byCode[travel].Total)
	require.Equal(t, 2, byCode[travel].Count)
	require.Equal(t, "24.5", byCode[meals].Total)
	require.Equal(t, "9.99", byCode["uncategorized"].Total)
}

func TestBuildReport_EmptyRange(t *testing.T) {
	doc := buildReport(uuid.New(), "2026-01-01", "2026-01-31", nil)
	require.Zero(t, doc.Transactions)
	require.Equal(t, "0", doc.Total)
	require.Empty(t, doc.ByCategory)
}

func amt(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.New(s)
	require.NoError(t, err)
	return a
}
