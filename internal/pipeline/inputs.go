package pipeline

import (
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/sequence"
)

// AssembleInputs builds the forward inputs for seqs. The incremental path
// carries the tokens not yet in each sequence's cache: the whole history
// for a prompt step, the newest token otherwise, and the whole history from
// a fresh state when noCache is set. The full path, built only when
// withFull is set, always covers the whole history from position zero.
func AssembleInputs(seqs []*sequence.Sequence, isPrompt, withFull, noCache bool) (incremental, full []model.Input) {
	incremental = make([]model.Input, len(seqs))
	if withFull {
		full = make([]model.Input, len(seqs))
	}
	for i, s := range seqs {
		toks := s.Tokens()
		switch {
		case noCache || s.KV() == nil || len(toks) == 0:
			incremental[i] = model.Input{Tokens: toks}
		case isPrompt:
			incremental[i] = model.Input{Tokens: toks, State: s.KV()}
		default:
			last := len(toks) - 1
			incremental[i] = model.Input{Tokens: toks[last:], Offset: last, State: s.KV()}
		}
		if withFull {
			full[i] = model.Input{Tokens: toks}
		}
	}
	return incremental, full
}
