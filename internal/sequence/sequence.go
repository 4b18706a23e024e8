// Package sequence holds per-request generation state and the arena that
// owns it.
package sequence

import (
	"slices"

	"github.com/google/uuid"

	"github.com/samcharles93/strata/internal/kvcache"
	"github.com/samcharles93/strata/internal/logits"
)

// FinishReason records why a sequence stopped producing tokens.
type FinishReason string

const (
	FinishNone   FinishReason = ""
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
)

// Sequence is the mutable state of one generation request: the token
// history, the sampler that picks its next token and its key/value rows.
type Sequence struct {
	id        uuid.UUID
	tokens    []int
	promptLen int
	sampler   *logits.Sampler
	kv        *kvcache.State
	finish    FinishReason
}

// New creates a sequence from an encoded prompt. kv may be nil when the
// model runs without a cache.
func New(prompt []int, sampler *logits.Sampler, kv *kvcache.State) *Sequence {
	return &Sequence{
		id:        uuid.New(),
		tokens:    slices.Clone(prompt),
		promptLen: len(prompt),
		sampler:   sampler,
		kv:        kv,
	}
}

func (s *Sequence) ID() uuid.UUID { return s.id }

// Tokens returns the full history. The slice must not be modified.
func (s *Sequence) Tokens() []int { return s.tokens }

func (s *Sequence) Len() int { return len(s.tokens) }

func (s *Sequence) PromptLen() int { return s.promptLen }

// Generated returns the tokens appended after the prompt.
func (s *Sequence) Generated() []int { return s.tokens[s.promptLen:] }

func (s *Sequence) Sampler() *logits.Sampler { return s.sampler }

func (s *Sequence) KV() *kvcache.State { return s.kv }

// IsPrompt reports whether nothing has been generated yet.
func (s *Sequence) IsPrompt() bool { return len(s.tokens) == s.promptLen }

// Append adds a sampled token to the history.
func (s *Sequence) Append(tok int) { s.tokens = append(s.tokens, tok) }

func (s *Sequence) Finish(reason FinishReason) { s.finish = reason }

func (s *Sequence) FinishReason() FinishReason { return s.finish }

func (s *Sequence) Done() bool { return s.finish != FinishNone }

// RepeatWindow returns the trailing min(Len, n) tokens in history order.
func (s *Sequence) RepeatWindow(n int) []int {
	if n <= 0 {
		return nil
	}
	start := max(len(s.tokens)-n, 0)
	return s.tokens[start:]
}
