package correction

import (
	"context"
	"strings"
)

// LogEntry records one applied correction. Field names match the jsonl and csv artifacts.
type LogEntry struct {
	TokenID    int    `json:"token_id"`
	Line       int    `json:"line"`
	Original   string `json:"original"`
	Corrected  string `json:"corrected"`
	Reason     string `json:"reason"`
	Context    string `json:"context"`
	ChunkIndex int    `json:"chunk_index"`
	Sentence   string `json:"sentence"`
}

// DeletionTag prefixes the reason of corrections that remove a token.
const DeletionTag = "[ELIMINACIÓN]"

type ChunkOptions struct {
	// CharBudget bounds each chunk; <= 0 uses DefaultCharBudget.
	CharBudget   int
	OverlapChars int
}

// DefaultCharBudget is ~70% of a 128k-token context at ~4 chars per token.
const DefaultCharBudget = 128_000 * 4 * 7 / 10

func (o ChunkOptions) normalize() ChunkOptions {
	if o.CharBudget <= 0 {
		o.CharBudget = DefaultCharBudget
		if o.OverlapChars <= 0 {
			o.OverlapChars = o.CharBudget * 3 / 100
		}
	}
	if o.OverlapChars < 0 {
		o.OverlapChars = 0
	}
	return o
}

// Process corrects paragraphs chunk by chunk and returns the corrected
// paragraphs plus one log entry per applied correction. A token corrected in
// an earlier chunk keeps that correction when an overlapping chunk proposes another.
func Process(ctx context.Context, paragraphs []string, c Corrector, opts ChunkOptions) ([]string, []LogEntry, error) {
	if len(paragraphs) == 0 {
		return nil, nil, nil
	}
	opts = opts.normalize()
	tokens := Tokenize(strings.Join(paragraphs, "\n"))

	applied := make(map[int]Correction)
	var entries []LogEntry
	for chunkIdx, r := range SplitByCharBudget(tokens, opts.CharBudget, opts.OverlapChars) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		local := make([]Token, 0, r.End-r.Start)
		for i, t := range tokens[r.Start:r.End] {
			t.ID = i
			local = append(local, t)
		}
		proposed, err := c.Correct(ctx, local)
		if err != nil {
			return nil, nil, err
		}
		for _, p := range proposed {
			gid := r.Start + p.TokenID
			if p.TokenID < 0 || gid >= r.End {
				continue
			}
			if _, dup := applied[gid]; dup {
				continue
			}
			tok := tokens[gid]
			if tok.Text == p.Replacement {
				continue
			}
			if strings.TrimSpace(tok.Text) == "" && strings.TrimSpace(p.Replacement) != "" {
				continue
			}
			if tok.Kind == KindSpace || tok.Kind == KindNewline || tok.Kind == KindPunct {
				if p.Replacement != " " && p.Replacement != "\n" && p.Replacement != tok.Text {
					continue
				}
			}

			corrected, reason := p.Replacement, p.Reason
			switch {
			case gid+1 < len(tokens) && strings.TrimSpace(p.Replacement) == strings.TrimSpace(tokens[gid+1].Text):
				// The model repeated the next token: it meant to delete this one.
				corrected = ""
				reason = DeletionTag + " " + p.Reason
			case strings.TrimSpace(p.Replacement) == "":
				reason = DeletionTag + " " + p.Reason
			}

			entries = append(entries, LogEntry{
				TokenID:    gid,
				Line:       tok.Line,
				Original:   tok.Text,
				Corrected:  corrected,
				Reason:     reason,
				Context:    Context(tokens, gid, 3),
				ChunkIndex: chunkIdx,
				Sentence:   Sentence(tokens, gid),
			})
			applied[gid] = Correction{TokenID: gid, Replacement: corrected, Reason: reason, Original: tok.Text}
		}
	}

	if len(applied) > 0 {
		list := make([]Correction, 0, len(applied))
		for _, c := range applied {
			list = append(list, c)
		}
		tokens = ApplyCorrections(tokens, list)
	}
	return strings.Split(Detokenize(tokens), "\n"), entries, nil
}
