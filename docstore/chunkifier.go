package docstore

import (
	"strings"
	"unicode"
)

const (
	DefaultChunkWords = 500
	DefaultMinWords   = 6
)

// Piece is a chunk of source text before it has been embedded.
type Piece struct {
	Text   string
	Offset int
	Words  int
}

// WordChunkifier packs whole paragraphs into chunks of at most ChunkWords
// words. Paragraphs longer than the budget are split between words, so a
// chunk boundary never falls inside a character. Chunks with fewer than
// MinWords words are discarded as noise (headers, page numbers).
type WordChunkifier struct {
	ChunkWords int
	MinWords   int
}

type span struct {
	start int
	end   int
}

func (c *WordChunkifier) Chunkify(text string) []Piece {
	text = strings.ToValidUTF8(text, "�")

	size := c.ChunkWords
	if size <= 0 {
		size = DefaultChunkWords
	}

	var res []Piece
	var buf []span
	flush := func() {
		if len(buf) > 0 && len(buf) >= c.MinWords {
			res = append(res, Piece{
				Text:   text[buf[0].start:buf[len(buf)-1].end],
				Offset: buf[0].start,
				Words:  len(buf),
			})
		}
		buf = nil
	}

	for _, p := range paragraphs(text) {
		if len(buf)+len(p) > size {
			flush()
		}

		for len(p) > size {
			buf = p[:size]
			flush()
			p = p[size:]
		}

		buf = append(buf, p...)
	}
	flush()

	return res
}

// paragraphs returns the word spans of text grouped by line.
func paragraphs(text string) [][]span {
	var paras [][]span
	var cur []span
	start := -1
	newline := false

	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				cur = append(cur, span{start: start, end: i})
				start = -1
			}
			if r == '\n' {
				newline = true
			}
			continue
		}

		if start < 0 {
			if newline && len(cur) > 0 {
				paras = append(paras, cur)
				cur = nil
			}
			newline = false
			start = i
		}
	}

	if start >= 0 {
		cur = append(cur, span{start: start, end: len(text)})
	}
	if len(cur) > 0 {
		paras = append(paras, cur)
	}

	return paras
}
