package correction

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

type rule struct {
	word        string
	replacement string
	hints       []string
	reason      string
}

var defaultRules = []rule{
	{word: "baca", replacement: "vaca", hints: []string{"coche", "carro", "auto", "vehículo", "vehiculo"}, reason: "Confusión baca/vaca (techo del coche)"},
	{word: "vello", replacement: "bello", hints: []string{"hermoso", "bonito", "precioso", "arte"}, reason: "Confusión vello/bello (estético)"},
	{word: "ojear", replacement: "hojear", hints: []string{"libro", "revista", "páginas", "paginas"}, reason: "Confusión ojear/hojear (pasar páginas)"},
}

// contextWindow is how many tokens on each side are searched for hint words.
const contextWindow = 5

// RuleCorrector fixes a handful of context-dependent Spanish confusions locally.
type RuleCorrector struct{}

func (RuleCorrector) Correct(ctx context.Context, tokens []Token) ([]Correction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Correction
	for i, t := range tokens {
		if t.Kind != KindWord {
			continue
		}
		w := strings.ToLower(t.Text)
		for _, r := range defaultRules {
			if w != r.word || !windowHas(tokens, i, r.hints) {
				continue
			}
			out = append(out, Correction{
				TokenID:     t.ID,
				Replacement: preserveCase(t.Text, r.replacement),
				Reason:      r.reason,
				Original:    t.Text,
			})
		}
	}
	return out, nil
}

func windowHas(tokens []Token, i int, hints []string) bool {
	lo := max(0, i-contextWindow)
	hi := min(len(tokens), i+contextWindow+1)
	parts := make([]string, 0, hi-lo)
	for _, t := range tokens[lo:hi] {
		parts = append(parts, strings.ToLower(t.Text))
	}
	window := strings.Join(parts, " ")
	for _, h := range hints {
		if strings.Contains(window, h) {
			return true
		}
	}
	return false
}

func preserveCase(original, replacement string) string {
	if original == "" {
		return replacement
	}
	if strings.ToUpper(original) == original && strings.ToLower(original) != original {
		return strings.ToUpper(replacement)
	}
	first, _ := utf8.DecodeRuneInString(original)
	if unicode.IsUpper(first) {
		r, size := utf8.DecodeRuneInString(replacement)
		return string(unicode.ToUpper(r)) + strings.ToLower(replacement[size:])
	}
	return replacement
}
