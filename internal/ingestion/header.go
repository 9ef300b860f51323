package ingestion

import "strings"

// columnSynonyms maps a canonical field name to every header label variant
// it's known to appear as across bank exports.
var columnSynonyms = map[string][]string{
	"date":            {"date", "transaction date", "trans date", "posted date"},
	"amount":          {"amount", "amt"},
	"description":     {"description", "desc", "memo", "details", "narrative"},
	"merchant":        {"merchant", "payee", "vendor"},
	"posted":          {"posted", "post date"},
	"running_balance": {"balance", "running balance"},
	"debit":           {"debit", "withdrawal"},
	"credit":          {"credit", "deposit"},
}

const maxHeaderScanRows = 10
const minHeaderMatches = 3

// FindHeaderRow scans the first maxHeaderScanRows rows of cells and
// returns the index of the first row where at least minHeaderMatches
// cells case-insensitively match a known column synonym. Returns -1 if
// none qualify, per the UnrecognizedFormat failure path.
func FindHeaderRow(rows [][]string) int {
	limit := maxHeaderScanRows
	if len(rows) < limit {
		limit = len(rows)
	}
	for i := 0; i < limit; i++ {
		if countSynonymMatches(rows[i]) >= minHeaderMatches {
			return i
		}
	}
	return -1
}

func countSynonymMatches(row []string) int {
	matches := 0
	for _, cell := range row {
		normalized := strings.ToLower(strings.TrimSpace(cell))
		if normalized == "" {
			continue
		}
		if matchesAnySynonym(normalized) {
			matches++
		}
	}
	return matches
}

func matchesAnySynonym(normalized string) bool {
	for _, variants := range columnSynonyms {
		for _, v := range variants {
			if normalized == v {
				return true
			}
		}
	}
	return false
}
