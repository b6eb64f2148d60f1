package correction

import (
	"context"
	"fmt"
)

// Corrector maps tokens to proposed corrections. Token ids passed in are
// chunk-local, starting at zero. Empty input must yield no corrections and
// no error.
type Corrector interface {
	Correct(ctx context.Context, tokens []Token) ([]Correction, error)
}

// Kind selects a corrector implementation.
type Kind int

const (
	KindRule Kind = iota
	KindAI
)

func (k Kind) String() string {
	switch k {
	case KindRule:
		return "rule"
	case KindAI:
		return "ai"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Source is the suggestion source label for corrections made by this kind.
func (k Kind) Source() string {
	if k == KindAI {
		return "llm"
	}
	return "rule"
}

// KindFor picks AI only when the task asked for it and the plan allows it.
func KindFor(useAI, planAllowsAI bool) Kind {
	if useAI && planAllowsAI {
		return KindAI
	}
	return KindRule
}

// Set holds one corrector per kind. A nil AI means the AI corrector is not configured.
type Set struct {
	Rule Corrector
	AI   Corrector
}

// Pick returns the corrector for want and the kind actually used. Asking for
// AI without one configured falls back to the rule corrector.
func (s Set) Pick(want Kind) (Corrector, Kind) {
	if want == KindAI && s.AI != nil {
		return s.AI, KindAI
	}
	if s.Rule == nil {
		return RuleCorrector{}, KindRule
	}
	return s.Rule, KindRule
}
