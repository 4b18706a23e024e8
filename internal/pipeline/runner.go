package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/metrics"
	"github.com/samcharles93/strata/internal/sequence"
	"github.com/samcharles93/strata/internal/tokenizer"
)

// Result is the outcome of one generation request.
type Result struct {
	ID           uuid.UUID
	Text         string
	Tokens       []int
	FinishReason sequence.FinishReason
	Stats        Stats
}

// Runner serves generation requests against one pipeline. Requests are
// interleaved token by token: each step runs under the sequence store lock,
// which also serializes access to the pipeline.
//
// A compute failure during a step terminates the process unless the Runner
// was built with WithComputeRecovery.
type Runner struct {
	p     *Pipeline
	store *sequence.Store
	stop  []int

	recoverCompute bool
	fatal          func(*ComputeFailure)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithComputeRecovery fails only the request whose step hit a compute
// failure and keeps serving the others.
func WithComputeRecovery() RunnerOption {
	return func(r *Runner) { r.recoverCompute = true }
}

// NewRunner resolves the pipeline's stop tokens and admits at most
// maxSequences concurrent requests.
func NewRunner(p *Pipeline, maxSequences int, opts ...RunnerOption) (*Runner, error) {
	eos, err := p.EOSToken()
	if err != nil {
		return nil, err
	}
	r := &Runner{
		p:     p,
		store: sequence.NewStore(maxSequences),
		stop:  BuildStopTokens(p.Tokenizer(), eos),
		fatal: exitOnComputeFailure,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// exitOnComputeFailure ends the process the way an unrecovered panic would.
// It exits directly so HTTP recovery middleware cannot intercept it.
func exitOnComputeFailure(cf *ComputeFailure) {
	fmt.Fprintf(os.Stderr, "fatal: %v\n", cf)
	os.Exit(2)
}

// RecoversComputeFailures reports whether WithComputeRecovery was applied.
func (r *Runner) RecoversComputeFailures() bool { return r.recoverCompute }

func (r *Runner) Pipeline() *Pipeline { return r.p }

// StopTokens returns the token ids that end a generation.
func (r *Runner) StopTokens() []int { return append([]int(nil), r.stop...) }

// Active returns the number of requests currently generating.
func (r *Runner) Active() int { return r.store.Len() }

func (r *Runner) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, err := safeEncode(r.p.Tokenizer(), req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	if len(ids) == 0 {
		return nil, errors.New("prompt encodes to no tokens")
	}
	if req.EchoPrompt && stream != nil {
		stream(req.Prompt)
	}

	seed := req.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:          seed,
		Temperature:   float32(req.Temperature),
		TopK:          req.TopK,
		TopP:          float32(req.TopP),
		MinP:          float32(req.MinP),
		RepeatPenalty: float32(req.RepeatPenalty),
	})
	seq := r.p.NewSequence(ids, sampler)

	h, err := r.store.Insert(ctx, seq)
	if err != nil {
		return nil, err
	}
	metrics.ActiveSequences.Inc()
	defer func() {
		_, _ = r.store.Remove(h)
		metrics.ActiveSequences.Dec()
	}()
	metrics.RecordContextLength(len(ids))

	var sb strings.Builder
	stats := Stats{PromptTokens: len(ids)}
	start := time.Now()
	for done := false; !done; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var text string
		var emitted bool
		err := r.store.With(h, func(s *sequence.Sequence) error {
			prefill := s.IsPrompt()
			lp, ok, err := r.step(s, req.MaxTokens)
			if err != nil {
				return err
			}
			if prefill {
				stats.PrefillDuration = time.Since(start)
			}
			text, emitted, done = lp.Text, ok, s.Done()
			return nil
		})
		if err != nil {
			return nil, err
		}
		if emitted {
			stats.TokensGenerated++
			sb.WriteString(text)
			if stream != nil {
				stream(text)
			}
		}
	}
	stats.finish(start)

	return &Result{
		ID:           seq.ID(),
		Text:         SanitizeOutput(sb.String()),
		Tokens:       append([]int(nil), seq.Generated()...),
		FinishReason: seq.FinishReason(),
		Stats:        stats,
	}, nil
}

// step advances seq by one token. A compute failure is handed to the fatal
// handler unless the Runner recovers from them.
func (r *Runner) step(seq *sequence.Sequence, maxTokens int) (logits.Logprobs, bool, error) {
	lp, emitted, err := safeStep(r.p, seq, r.stop, maxTokens)
	var cf *ComputeFailure
	if errors.As(err, &cf) && !r.recoverCompute {
		r.fatal(cf)
	}
	return lp, emitted, err
}

// safeStep runs one pipeline step, returning a *ComputeFailure panic as an
// error. Any other panic is re-raised.
func safeStep(p *Pipeline, seq *sequence.Sequence, stop []int, maxTokens int) (lp logits.Logprobs, emitted bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if cf, ok := rec.(*ComputeFailure); ok {
				err = cf
				return
			}
			panic(rec)
		}
	}()
	return p.Step(seq, stop, maxTokens)
}

func safeEncode(tok tokenizer.Tokenizer, prompt string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(prompt)
}
