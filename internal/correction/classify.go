package correction

import "strings"

// Suggestion types.
const (
	TypeOrtografia   = "ortografia"
	TypePuntuacion   = "puntuacion"
	TypeConcordancia = "concordancia"
	TypeEstilo       = "estilo"
	TypeLexico       = "lexico"
	TypeOtro         = "otro"
)

// Severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

var typeKeywords = []struct {
	typ   string
	words []string
}{
	{TypeOrtografia, []string{"ortografía", "ortografia", "spelling"}},
	{TypePuntuacion, []string{"puntuación", "puntuacion", "punctuation"}},
	{TypeConcordancia, []string{"concordancia", "agreement"}},
	{TypeEstilo, []string{"estilo", "style"}},
	{TypeLexico, []string{"léxico", "lexico", "lexical", "confusión", "confusion"}},
}

// Classify derives a suggestion type and severity from a correction reason.
// The first matching keyword group wins; matching is case-insensitive.
func Classify(reason string) (typ, severity string) {
	severity = SeverityInfo
	if strings.Contains(reason, DeletionTag) {
		severity = SeverityWarning
	}
	lower := strings.ToLower(reason)
	for _, g := range typeKeywords {
		for _, w := range g.words {
			if strings.Contains(lower, w) {
				return g.typ, severity
			}
		}
	}
	return TypeOtro, severity
}
