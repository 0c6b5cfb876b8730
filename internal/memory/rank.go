package memory

import (
	"math"
	"slices"
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"do": {}, "does": {}, "for": {}, "from": {}, "has": {}, "have": {}, "how": {}, "i": {},
	"in": {}, "is": {}, "it": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "so": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "we": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "with": {}, "you": {}, "your": {},
	"about": {}, "remember": {}, "recall": {}, "tell": {},
}

// Terms lowercases s, splits it on anything that is not a letter or digit
// and drops stopwords.
func Terms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; !stop {
			out = append(out, f)
		}
	}
	return out
}

func termSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

// score counts distinct query terms found in content or tags. With normalize
// the count is divided by the square root of the content's term count.
func score(query map[string]struct{}, content string, tags []string, normalize bool) float64 {
	terms := Terms(content)
	seen := termSet(terms)
	for _, tag := range tags {
		for _, t := range Terms(tag) {
			seen[t] = struct{}{}
		}
	}
	matched := 0
	for t := range seen {
		if _, ok := query[t]; ok {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	if normalize && len(terms) > 0 {
		return float64(matched) / math.Sqrt(float64(len(terms)))
	}
	return float64(matched)
}

type scored struct {
	item  Item
	score float64
}

// rank keeps items with at least one matching term, orders them by score,
// then by most recent access, then by most recent creation, and truncates
// to limit.
func rank(items []Item, query string, limit int, normalize bool) []Item {
	q := termSet(Terms(query))
	if len(q) == 0 || limit <= 0 {
		return nil
	}
	candidates := make([]scored, 0, len(items))
	for _, it := range items {
		if s := score(q, it.Content, it.Tags, normalize); s > 0 {
			candidates = append(candidates, scored{item: it, score: s})
		}
	}
	slices.SortStableFunc(candidates, func(a, b scored) int {
		switch {
		case a.score != b.score:
			if a.score > b.score {
				return -1
			}
			return 1
		case !a.item.LastAccessedAt.Equal(b.item.LastAccessedAt):
			return b.item.LastAccessedAt.Compare(a.item.LastAccessedAt)
		default:
			return b.item.CreatedAt.Compare(a.item.CreatedAt)
		}
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Item, len(candidates))
	for i, c := range candidates {
		out[i] = c.item
	}
	return out
}
