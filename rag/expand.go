package rag

import (
	"regexp"
	"sort"
	"strings"
)

// Synonyms maps a term to alternative phrasings that may appear in a
// document instead of it.
type Synonyms map[string][]string

// Expand returns the question followed by one variant per synonym of every
// term the question mentions. Matching is case-insensitive and on whole
// words; the result holds no duplicates.
func (s Synonyms) Expand(question string) []string {
	res := []string{question}
	seen := map[string]struct{}{question: {}}

	terms := make([]string, 0, len(s))
	for t := range s {
		terms = append(terms, t)
	}
	sort.Strings(terms)

	for _, term := range terms {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
		if err != nil || !re.MatchString(question) {
			continue
		}

		for _, alt := range s[term] {
			alt = strings.TrimSpace(alt)
			if alt == "" {
				continue
			}

			v := re.ReplaceAllLiteralString(question, alt)
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			res = append(res, v)
		}
	}

	return res
}

func average(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}

	res := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		for i, x := range v {
			res[i] += x
		}
	}

	n := float32(len(vecs))
	for i := range res {
		res[i] /= n
	}

	return res
}
