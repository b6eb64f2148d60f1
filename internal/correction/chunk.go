package correction

import (
	"strings"
	"unicode/utf8"
)

// Range is a half-open [Start, End) slice of token indexes.
type Range struct {
	Start int
	End   int
}

func isSpace(t Token) bool { return t.Kind == KindSpace || t.Kind == KindNewline }

func isEOS(t Token) bool {
	return t.Kind == KindPunct && (t.Text == "." || t.Text == "!" || t.Text == "?" || t.Text == "…")
}

func isCloser(t Token) bool {
	if t.Kind != KindPunct {
		return false
	}
	switch t.Text {
	case ")", "]", "}", `"`, "'", "»", "«", "“", "”", "’":
		return true
	}
	return false
}

// SplitByCharBudget cuts tokens into chunks of at most budget characters
// (plus trailing whitespace), overlapping by roughly overlap characters.
// A budget <= 0 yields a single chunk.
func SplitByCharBudget(tokens []Token, budget, overlap int) []Range {
	n := len(tokens)
	if budget <= 0 || n == 0 {
		return []Range{{0, n}}
	}
	var out []Range
	i := 0
	for i < n {
		chars := 0
		j := i
		for j < n && chars+runeLen(tokens[j]) <= budget {
			chars += runeLen(tokens[j])
			j++
		}
		if j == i {
			// A single token larger than the budget still has to go somewhere.
			j++
		}
		for j < n && isSpace(tokens[j]) {
			j++
		}
		out = append(out, Range{i, j})
		if j >= n {
			break
		}
		next := j
		if overlap > 0 {
			back := 0
			k := j - 1
			for k > i && back < overlap {
				back += runeLen(tokens[k])
				k--
			}
			next = k + 1
		}
		if next <= i {
			next = j
		}
		i = next
	}
	return out
}

func runeLen(t Token) int { return utf8.RuneCountInString(t.Text) }

// Context returns the text of radius tokens on each side of center, trimmed.
func Context(tokens []Token, center, radius int) string {
	left := max(0, center-radius)
	right := min(len(tokens), center+radius+1)
	return strings.TrimSpace(Detokenize(tokens[left:right]))
}

func endsSentence(tokens []Token, idx, minIdx int) bool {
	t := tokens[idx]
	if t.Kind == KindNewline || isEOS(t) {
		return true
	}
	if isCloser(t) {
		k := idx
		for k-1 >= minIdx && isCloser(tokens[k]) {
			k--
		}
		if k-1 >= minIdx && isEOS(tokens[k-1]) {
			return true
		}
	}
	return false
}

// SentenceBounds returns the [start, end) token range of the sentence around center.
func SentenceBounds(tokens []Token, center int) (int, int) {
	n := len(tokens)
	s := center
	for s > 0 && !endsSentence(tokens, s-1, 0) {
		s--
	}
	for s < n && isSpace(tokens[s]) {
		s++
	}
	e := center
	for e < n {
		if endsSentence(tokens, e, s) {
			e++
			for e < n && isCloser(tokens[e]) {
				e++
			}
			break
		}
		e++
	}
	for e < n && isSpace(tokens[e]) {
		e++
	}
	if s > e {
		s = e
	}
	return s, e
}

// Sentence returns the trimmed sentence around center.
func Sentence(tokens []Token, center int) string {
	s, e := SentenceBounds(tokens, center)
	return strings.TrimSpace(Detokenize(tokens[s:e]))
}
