package correction

import (
	"regexp"
	"sort"
	"strings"
)

type TokenKind string

const (
	KindWord    TokenKind = "word"
	KindNumber  TokenKind = "number"
	KindPunct   TokenKind = "punct"
	KindSpace   TokenKind = "space"
	KindNewline TokenKind = "newline"
)

// Token is one lexical unit. Start/End are byte offsets; Line is 1-based.
type Token struct {
	ID    int       `json:"id"`
	Text  string    `json:"text"`
	Start int       `json:"start"`
	End   int       `json:"end"`
	Kind  TokenKind `json:"kind"`
	Line  int       `json:"line"`
}

// Correction proposes a replacement for the token with TokenID.
type Correction struct {
	TokenID     int    `json:"token_id"`
	Replacement string `json:"replacement"`
	Reason      string `json:"reason"`
	Original    string `json:"original,omitempty"`
}

// Group order matters: newline, whitespace, word, number, then any single non-space rune.
var tokenRE = regexp.MustCompile(`(\r\n|\n)|([\t\x0b\x0c\r ]+)|([A-Za-zÁÉÍÓÚÜÑáéíóúüñ]+)|([0-9]+)|(\S)`)

func Tokenize(text string) []Token {
	var (
		out  []Token
		pos  int
		line = 1
	)
	add := func(s, e int, kind TokenKind) {
		out = append(out, Token{ID: len(out), Text: text[s:e], Start: s, End: e, Kind: kind, Line: line})
	}
	for _, m := range tokenRE.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > pos {
			add(pos, m[0], KindSpace)
		}
		switch {
		case m[2] >= 0:
			add(m[0], m[1], KindNewline)
			line++
		case m[4] >= 0:
			add(m[0], m[1], KindSpace)
		case m[6] >= 0:
			add(m[0], m[1], KindWord)
		case m[8] >= 0:
			add(m[0], m[1], KindNumber)
		default:
			add(m[0], m[1], KindPunct)
		}
		pos = m[1]
	}
	if pos < len(text) {
		add(pos, len(text), KindSpace)
	}
	return out
}

func Detokenize(tokens []Token) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.Text)
	}
	return b.String()
}

// ApplyCorrections returns a copy of tokens with replacements applied to
// word, number and punct tokens. Whitespace tokens are never rewritten.
func ApplyCorrections(tokens []Token, corrections []Correction) []Token {
	out := append([]Token(nil), tokens...)
	sorted := append([]Correction(nil), corrections...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TokenID < sorted[j].TokenID })
	for _, c := range sorted {
		if c.TokenID < 0 || c.TokenID >= len(out) {
			continue
		}
		switch out[c.TokenID].Kind {
		case KindWord, KindNumber, KindPunct:
			out[c.TokenID].Text = c.Replacement
		}
	}
	return out
}

// WordCount counts word tokens.
func WordCount(tokens []Token) int {
	n := 0
	for _, t := range tokens {
		if t.Kind == KindWord {
			n++
		}
	}
	return n
}
