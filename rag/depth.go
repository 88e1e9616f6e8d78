package rag

import "strings"

const (
	StandardDepth = 21
	DetailedDepth = 40
)

// DepthClassifier decides how exhaustive an answer the question asks for.
type DepthClassifier func(question string) Depth

var detailKeywords = []string{
	"detail",
	"comprehensive",
	"thorough",
	"complete",
	"extensive",
	"elaborate",
	"in-depth",
	"depth",
	"full",
}

// KeywordDepth is a plain substring scan, so incidental uses such as
// "full moon" also select the detailed tier.
func KeywordDepth(question string) Depth {
	q := strings.ToLower(question)
	for _, kw := range detailKeywords {
		if strings.Contains(q, kw) {
			return DepthDetailed
		}
	}

	return DepthStandard
}
