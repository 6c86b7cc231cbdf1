package override

import (
	"strings"
)

// matchWildcard implements spec.md §4.3's wildcard grammar: '*'
// matches zero-or-more characters and is the only metacharacter.
// Matching is left-to-right greedy using the standard two-pointer
// "wildmatch" algorithm (remember the last '*' position and the text
// position it last tried), which is linear in practice for the
// non-pathological patterns this resolver deals with.
func matchWildcard(pattern, identifier string) bool {
	var pi, ti int
	starIdx, matchIdx := -1, -1

	for ti < len(identifier) {
		if pi < len(pattern) && (pattern[pi] == identifier[ti]) {
			pi++
			ti++
			continue
		}
		if pi < len(pattern) && pattern[pi] == '*' {
			starIdx = pi
			matchIdx = ti
			pi++
			continue
		}
		if starIdx != -1 {
			pi = starIdx + 1
			matchIdx++
			ti = matchIdx
			continue
		}
		return false
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

func countStars(pattern string) int {
	return strings.Count(pattern, "*")
}

func nonWildcardPrefixLen(pattern string) int {
	if idx := strings.IndexByte(pattern, '*'); idx >= 0 {
		return idx
	}
	return len(pattern)
}

// Resolve implements spec.md §4.3 step 3's priority order over the
// overrides already known to belong to one namespace:
//  1. an exact literal match beats any wildcard match;
//  2. among wildcard matches, the fewest '*' characters wins;
//  3. ties broken by the longer non-wildcard prefix;
//  4. further ties broken lexicographically ascending on the pattern.
//
// Returns nil if nothing matches.
func Resolve(overrides []Override, identifier string) *Override {
	var best *Override
	bestStars := 0
	bestPrefix := 0

	for i := range overrides {
		ov := &overrides[i]
		isExact := !strings.Contains(ov.Identifier, "*") && ov.Identifier == identifier
		isWildcardMatch := false
		if !isExact {
			if !strings.Contains(ov.Identifier, "*") {
				continue // literal pattern, not equal to identifier: no match
			}
			isWildcardMatch = matchWildcard(ov.Identifier, identifier)
			if !isWildcardMatch {
				continue
			}
		}

		if isExact {
			// An exact match always wins outright; the spec rule is a
			// total order, so the first (and only, given namespace
			// uniqueness) exact match settles it immediately.
			return ov
		}

		if best == nil {
			best, bestStars, bestPrefix = ov, countStars(ov.Identifier), nonWildcardPrefixLen(ov.Identifier)
			continue
		}

		stars := countStars(ov.Identifier)
		prefix := nonWildcardPrefixLen(ov.Identifier)

		switch {
		case stars < bestStars:
			best, bestStars, bestPrefix = ov, stars, prefix
		case stars == bestStars && prefix > bestPrefix:
			best, bestPrefix = ov, prefix
		case stars == bestStars && prefix == bestPrefix && ov.Identifier < best.Identifier:
			best = ov
		}
	}
	return best
}
