package pipeline

import (
	"context"
	"slices"
	"time"

	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/metrics"
	"github.com/samcharles93/strata/internal/sequence"
)

type Stats struct {
	PromptTokens    int
	TokensGenerated int
	PrefillDuration time.Duration
	Duration        time.Duration
	TPS             float64
}

// StreamFunc receives the text of every emitted token.
type StreamFunc func(token string)

// Step advances seq by one token. It finishes the sequence instead of
// running the model when maxTokens (if non-negative) tokens have been
// generated or the context is full. A sampled stop token finishes the
// sequence and is not appended. emitted reports whether lp was appended.
func (p *Pipeline) Step(seq *sequence.Sequence, stop []int, maxTokens int) (lp logits.Logprobs, emitted bool, err error) {
	if seq.Done() {
		return logits.Logprobs{}, false, nil
	}
	if maxTokens >= 0 && len(seq.Generated()) >= maxTokens {
		seq.Finish(sequence.FinishLength)
		return logits.Logprobs{}, false, nil
	}
	if seq.Len() >= p.MaxSeqLen() {
		seq.Finish(sequence.FinishLength)
		return logits.Logprobs{}, false, nil
	}

	out := p.Forward([]*sequence.Sequence{seq}, seq.IsPrompt())
	lp, err = p.Sample(out, seq)
	if err != nil {
		return logits.Logprobs{}, false, err
	}
	if slices.Contains(stop, lp.Token) {
		seq.Finish(sequence.FinishStop)
		return lp, false, nil
	}
	seq.Append(lp.Token)
	return lp, true, nil
}

// Generate steps seq until it finishes or ctx ends. A negative maxTokens
// only bounds generation by the context length.
func (p *Pipeline) Generate(ctx context.Context, seq *sequence.Sequence, maxTokens int, stop []int, stream StreamFunc) (Stats, error) {
	stats := Stats{PromptTokens: seq.PromptLen()}
	start := time.Now()
	metrics.RecordContextLength(seq.Len())

	for !seq.Done() {
		if err := ctx.Err(); err != nil {
			stats.finish(start)
			return stats, err
		}
		prefill := seq.IsPrompt()
		lp, emitted, err := p.Step(seq, stop, maxTokens)
		if err != nil {
			stats.finish(start)
			return stats, err
		}
		if prefill {
			stats.PrefillDuration = time.Since(start)
		}
		if emitted {
			stats.TokensGenerated++
			if stream != nil {
				stream(lp.Text)
			}
		}
	}
	stats.finish(start)
	return stats, nil
}

func (s *Stats) finish(start time.Time) {
	s.Duration = time.Since(start)
	if s.Duration.Seconds() > 0 {
		s.TPS = float64(s.TokensGenerated) / s.Duration.Seconds()
	}
}
