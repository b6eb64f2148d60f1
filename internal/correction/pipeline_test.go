package correction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCorrector struct {
	fn func(tokens []Token) ([]Correction, error)
}

func (s stubCorrector) Correct(_ context.Context, tokens []Token) ([]Correction, error) {
	return s.fn(tokens)
}

func TestRuleCorrectorFixesConfusions(t *testing.T) {
	t.Parallel()

	paras := []string{
		"Subimos la maleta a la Baca del coche.",
		"Quiero ojear el libro.",
		"El vello del brazo.",
	}
	out, entries, err := Process(context.Background(), paras, RuleCorrector{}, ChunkOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Subimos la maleta a la Vaca del coche.",
		"Quiero hojear el libro.",
		"El vello del brazo.",
	}, out)

	require.Len(t, entries, 2)
	assert.Equal(t, "Baca", entries[0].Original)
	assert.Equal(t, "Vaca", entries[0].Corrected)
	assert.Equal(t, 1, entries[0].Line)
	assert.Equal(t, 2, entries[1].Line)
	assert.Equal(t, "Quiero ojear el libro.", entries[1].Sentence, "sentence is taken from the original text")
}

func TestProcessEmptyInput(t *testing.T) {
	t.Parallel()

	out, entries, err := Process(context.Background(), nil, RuleCorrector{}, ChunkOptions{})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, entries)
}

func TestProcessSkipsBogusCorrections(t *testing.T) {
	t.Parallel()

	// tokens: 0 "uno" 1 " " 2 "dos" 3 "," 4 " " 5 "tres"
	c := stubCorrector{fn: func(tokens []Token) ([]Correction, error) {
		return []Correction{
			{TokenID: 0, Replacement: "uno", Reason: "same"},
			{TokenID: 1, Replacement: "palabra", Reason: "space to word"},
			{TokenID: 3, Replacement: "y", Reason: "punct to word"},
			{TokenID: 2, Replacement: "DOS", Reason: "Ortografía"},
			{TokenID: 2, Replacement: "otra", Reason: "duplicate"},
			{TokenID: 42, Replacement: "x", Reason: "out of range"},
		}, nil
	}}
	out, entries, err := Process(context.Background(), []string{"uno dos, tres"}, c, ChunkOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"uno DOS, tres"}, out)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].TokenID)
}

func TestProcessMarksDeletions(t *testing.T) {
	t.Parallel()

	// 0 "muy" 1 " " 2 "muy" 3 " " 4 "bien"
	c := stubCorrector{fn: func(tokens []Token) ([]Correction, error) {
		return []Correction{
			{TokenID: 0, Replacement: "", Reason: "repetición"},
			{TokenID: 2, Replacement: " ", Reason: "espacio"},
		}, nil
	}}
	_, entries, err := Process(context.Background(), []string{"muy muy bien"}, c, ChunkOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, DeletionTag+" repetición", entries[0].Reason)
	assert.Equal(t, "", entries[1].Corrected, "replacement equal to next token is a deletion")
	assert.Equal(t, DeletionTag+" espacio", entries[1].Reason)
}

func TestProcessMapsChunkLocalIDs(t *testing.T) {
	t.Parallel()

	var seen [][]int
	c := stubCorrector{fn: func(tokens []Token) ([]Correction, error) {
		ids := make([]int, 0, len(tokens))
		var out []Correction
		for _, tk := range tokens {
			ids = append(ids, tk.ID)
			if tk.Text == "baca" {
				out = append(out, Correction{TokenID: tk.ID, Replacement: "vaca", Reason: "léxico"})
			}
		}
		seen = append(seen, ids)
		return out, nil
	}}
	out, entries, err := Process(context.Background(), []string{"aaaa bbbb cccc baca dddd"}, c, ChunkOptions{CharBudget: 10})
	require.NoError(t, err)
	require.Greater(t, len(seen), 1)
	for _, ids := range seen {
		assert.Equal(t, 0, ids[0])
	}
	assert.Equal(t, []string{"aaaa bbbb cccc vaca dddd"}, out)
	require.Len(t, entries, 1)
	assert.Equal(t, 6, entries[0].TokenID)
	assert.Greater(t, entries[0].ChunkIndex, 0)
}

func TestProcessPropagatesCorrectorError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	c := stubCorrector{fn: func([]Token) ([]Correction, error) { return nil, boom }}
	_, _, err := Process(context.Background(), []string{"hola"}, c, ChunkOptions{})
	assert.Same(t, boom, err, "corrector errors are returned unwrapped")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		reason   string
		typ      string
		severity string
	}{
		{"Error de ortografía", TypeOrtografia, SeverityInfo},
		{"Spelling mistake", TypeOrtografia, SeverityInfo},
		{"Falta PUNTUACIÓN", TypePuntuacion, SeverityInfo},
		{"concordancia de género", TypeConcordancia, SeverityInfo},
		{"Mejora de estilo", TypeEstilo, SeverityInfo},
		{"Confusión baca/vaca", TypeLexico, SeverityInfo},
		{"lexical choice", TypeLexico, SeverityInfo},
		{"[ELIMINACIÓN] palabra repetida", TypeOtro, SeverityWarning},
		{"[ELIMINACIÓN] estilo redundante", TypeEstilo, SeverityWarning},
		{"", TypeOtro, SeverityInfo},
	}
	for _, tc := range cases {
		typ, sev := Classify(tc.reason)
		assert.Equal(t, tc.typ, typ, tc.reason)
		assert.Equal(t, tc.severity, sev, tc.reason)
	}
}

func TestKindSelection(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindAI, KindFor(true, true))
	assert.Equal(t, KindRule, KindFor(true, false))
	assert.Equal(t, KindRule, KindFor(false, true))

	ai := stubCorrector{fn: func([]Token) ([]Correction, error) { return nil, nil }}
	set := Set{Rule: RuleCorrector{}, AI: ai}
	_, k := set.Pick(KindAI)
	assert.Equal(t, KindAI, k)

	_, k = Set{Rule: RuleCorrector{}}.Pick(KindAI)
	assert.Equal(t, KindRule, k, "falls back when ai is not configured")

	assert.Equal(t, "ai", KindAI.String())
	assert.Equal(t, "llm", KindAI.Source())
	assert.Equal(t, "rule", KindRule.Source())
}
