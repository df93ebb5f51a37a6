package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	wsRe        = regexp.MustCompile(`\s+`)
	punctRe     = regexp.MustCompile(`^[^\p{L}\p{N}]+$`)
	asciiWordRe = regexp.MustCompile(`^[A-Za-z]{1,4}$`)
	smallNumRe  = regexp.MustCompile(`^\d{1,2}$`)
	yearLikeRe  = regexp.MustCompile(`^\d{3,4}$`)
	dedupKeepRe = regexp.MustCompile(`[^\p{L}\p{N}_ ]+`)
)

// IsLowValueText reports whether a line is typical recognition noise rather
// than content: empty, tiny, pure punctuation, stray short ASCII tokens or
// 1-2 digit numbers. Applied at indexing time and defensively at retrieval.
func IsLowValueText(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return true
	}

	compact := wsRe.ReplaceAllString(t, "")
	runes := []rune(compact)
	if len(runes) <= 2 {
		return true
	}

	if punctRe.MatchString(compact) {
		return true
	}

	hasCJK := false
	for _, r := range runes {
		if unicode.Is(unicode.Han, r) {
			hasCJK = true
			break
		}
	}
	if hasCJK && len(runes) <= 3 {
		return true
	}

	isASCII := true
	for _, r := range runes {
		if r > unicode.MaxASCII {
			isASCII = false
			break
		}
	}
	if isASCII {
		if asciiWordRe.MatchString(compact) {
			return true
		}
		if smallNumRe.MatchString(compact) {
			return true
		}
		if len(runes) <= 4 && !yearLikeRe.MatchString(compact) {
			return true
		}
	}

	return false
}

// NormalizeForDedup lower-cases, collapses whitespace and strips everything
// except letters, digits, underscores and spaces, so visually identical
// boilerplate hashes to the same key.
func NormalizeForDedup(s string) string {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" {
		return ""
	}
	t = wsRe.ReplaceAllString(t, " ")
	t = dedupKeepRe.ReplaceAllString(t, "")
	return strings.TrimSpace(t)
}
