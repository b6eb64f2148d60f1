// Package correction turns document text into token-level corrections.
//
// Text is tokenized with stable global ids, split into chunks, and each chunk
// is handed to a Corrector. Two correctors exist: a local rule-based one and
// an LLM-backed one; callers pick by Kind.
package correction
