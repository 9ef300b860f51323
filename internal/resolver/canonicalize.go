package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	storeNumberRe = regexp.MustCompile(`#\d+\s*$`)
	dateSuffixRe  = regexp.MustCompile(`\d{1,2}[/-]\d{1,2}([/-]\d{2,4})?\s*$`)
	posPrefixRe   = regexp.MustCompile(`(?i)^pos[\s*]+`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// Canonicalize normalizes free text into the deterministic key used for T1
// exact-cache lookup: lowercase, collapsed whitespace, stripped "POS "
// prefix, stripped trailing store numbers (#1234) and date-like suffixes.
//
// canonicalize(canonicalize(x)) == canonicalize(x) for all x.
func Canonicalize(raw string) string {
	s := strings.ToLower(raw)
	// Stripping one piece can expose another (leading whitespace before
	// "POS ", a store number before a date suffix), so repeat to a fixed
	// point.
	for {
		prev := s
		s = posPrefixRe.ReplaceAllString(s, "")
		s = storeNumberRe.ReplaceAllString(s, "")
		s = dateSuffixRe.ReplaceAllString(s, "")
		s = whitespaceRe.ReplaceAllString(s, " ")
		s = strings.TrimSpace(s)
		if s == prev {
			return s
		}
	}
}

// CanonicalFormHash is the observability-record key for a canonical form —
// stable, fixed-width, and safe to log without leaking the raw description.
func CanonicalFormHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
