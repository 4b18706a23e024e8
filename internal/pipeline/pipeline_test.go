package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"slices"
	"testing"

	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/sequence"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/testutil"
)

func maxDiff(a, b []float32) float64 {
	var d float64
	for i := range a {
		d = max(d, math.Abs(float64(a[i]-b[i])))
	}
	return d
}

func forwardOne(p *Pipeline, seq *sequence.Sequence) []float32 {
	return p.Forward([]*sequence.Sequence{seq}, seq.IsPrompt()).ToF32()
}

// TestGemmaEndToEnd loads a Gemma-shaped base pipeline, runs a one-token
// prompt and samples a token from it.
func TestGemmaEndToEnd(t *testing.T) {
	t.Parallel()
	spec := testutil.GemmaSpec{
		Vocab:        32000,
		Hidden:       128,
		Intermediate: 256,
		Layers:       2,
		Heads:        4,
		KVHeads:      4,
		HeadDim:      32,
		Seed:         3,
	}
	l, _ := baseRepo(t, spec)
	l.Config.RepeatLastN = 0
	p := build(t, l)

	seq := p.NewSequence([]int{2}, logits.NewSampler(logits.SamplerConfig{Seed: 42, Temperature: 0.7, TopK: 40, TopP: 0.9}))
	out := p.Forward([]*sequence.Sequence{seq}, true)
	if got := out.Squeeze().ToF32(); len(got) != 32000 {
		t.Fatalf("logits = %d values, want 32000", len(got))
	}
	lp, err := p.Sample(out, seq)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if lp.Token < 0 || lp.Token >= 32000 {
		t.Fatalf("sampled id %d out of range", lp.Token)
	}
}

func TestForwardBatchShape(t *testing.T) {
	t.Parallel()
	p := tinyPipeline(t)
	seqs := []*sequence.Sequence{
		p.NewSequence([]int{2, 288}, greedy()),
		p.NewSequence([]int{2, 261, 262, 263}, greedy()),
	}
	out := p.Forward(seqs, true)
	if want := []int{2, 1, testutil.Tiny().Vocab}; !slices.Equal(out.Shape, want) {
		t.Fatalf("shape = %v, want %v", out.Shape, want)
	}
}

func TestForwardCompletionMatchesNoCache(t *testing.T) {
	t.Parallel()
	l, dir := baseRepo(t, testutil.Tiny())
	cached := build(t, l)
	uncached := build(t, &Loader{ModelID: dir, Kind: KindNormal, NoKVCache: true})
	if !uncached.HasNoKVCache() {
		t.Fatal("no-kv-cache flag not carried")
	}

	seq := cached.NewSequence([]int{2, 288, 270}, greedy())
	forwardOne(cached, seq)
	seq.Append(271)
	got := forwardOne(cached, seq)

	ref := uncached.NewSequence(seq.Tokens(), greedy())
	if ref.KV() != nil {
		t.Fatal("no-kv-cache pipeline attached a kv state")
	}
	want := forwardOne(uncached, ref)
	if d := maxDiff(got, want); d > 1e-4 {
		t.Fatalf("cached completion differs from recompute by %g", d)
	}
}

func TestForwardXLoraCompletionMatchesNoCache(t *testing.T) {
	t.Parallel()
	l := xloraRepo(t, testutil.DefaultXLora())
	cached := build(t, l)
	nl := *l
	nl.NoKVCache = true
	uncached := build(t, &nl)

	seq := cached.NewSequence([]int{2, 288}, greedy())
	forwardOne(cached, seq)
	seq.Append(275)
	got := forwardOne(cached, seq)
	want := forwardOne(uncached, uncached.NewSequence(seq.Tokens(), greedy()))
	if d := maxDiff(got, want); d > 1e-4 {
		t.Fatalf("cached x-lora completion differs from recompute by %g", d)
	}
}

func TestForwardPanicsWithComputeFailure(t *testing.T) {
	t.Parallel()
	p := tinyPipeline(t)
	seq := p.NewSequence([]int{2, 1 << 20}, greedy())

	defer func() {
		rec := recover()
		cf, ok := rec.(*ComputeFailure)
		if !ok {
			t.Fatalf("recovered %v, want *ComputeFailure", rec)
		}
		if !errors.Is(cf, ErrComputeFailure) || !errors.Is(cf, model.ErrBadInput) {
			t.Fatalf("compute failure %v does not match its sentinels", cf)
		}
		if cf.Variant != "base" {
			t.Fatalf("variant = %q", cf.Variant)
		}
	}()
	p.Forward([]*sequence.Sequence{seq}, true)
}

func TestSampleDeterministic(t *testing.T) {
	t.Parallel()
	p := tinyPipeline(t)
	cfg := logits.SamplerConfig{Seed: 9, Temperature: 1, TopK: 50, TopP: 0.95}

	run := func() []int {
		seq := p.NewSequence([]int{2, 288}, logits.NewSampler(cfg))
		var ids []int
		for range 4 {
			out := p.Forward([]*sequence.Sequence{seq}, seq.IsPrompt())
			lp, err := p.Sample(out, seq)
			if err != nil {
				t.Fatalf("sample: %v", err)
			}
			if text, err := p.Tokenizer().Decode([]int{lp.Token}); err == nil && lp.Text != text {
				t.Fatalf("text %q, decoder says %q", lp.Text, text)
			}
			seq.Append(lp.Token)
			ids = append(ids, lp.Token)
		}
		return ids
	}
	a, b := run(), run()
	if !slices.Equal(a, b) {
		t.Fatalf("same seed sampled %v then %v", a, b)
	}
}

func TestSampleRepeatWindow(t *testing.T) {
	t.Parallel()
	p := tinyPipeline(t)
	vocab := testutil.Tiny().Vocab

	cases := []struct {
		name    string
		lastN   int
		history []int
		want    int
	}{
		{"window disabled", 0, []int{5}, 5},
		{"penalized inside window", 4, []int{7, 5}, 6},
		{"outside window", 2, []int{5, 7, 8}, 5},
		{"window longer than history", 64, []int{5}, 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lg := tensor.New(tensor.F32, 1, 1, vocab)
			lg.Data[5] = 10
			lg.Data[6] = 9
			seq := sequence.New(tc.history, logits.NewSampler(logits.SamplerConfig{RepeatPenalty: 100}), nil)
			q := *p
			q.cfg.RepeatLastN = tc.lastN
			lp, err := q.Sample(lg, seq)
			if err != nil {
				t.Fatalf("sample: %v", err)
			}
			if lp.Token != tc.want {
				t.Fatalf("token = %d, want %d", lp.Token, tc.want)
			}
		})
	}
}

func TestSampleErrors(t *testing.T) {
	t.Parallel()
	p := tinyPipeline(t)
	vocab := testutil.Tiny().Vocab
	nan := tensor.New(tensor.F32, 1, 1, vocab)
	nan.Data[3] = float32(math.NaN())

	cases := []struct {
		name    string
		logits  *tensor.Tensor
		sampler *logits.Sampler
	}{
		{"batch of two", tensor.New(tensor.F32, 2, 1, vocab), greedy()},
		{"nil logits", nil, greedy()},
		{"no sampler", tensor.New(tensor.F32, 1, 1, vocab), nil},
		{"nan", nan, greedy()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seq := sequence.New([]int{2}, tc.sampler, nil)
			_, err := p.Sample(tc.logits, seq)
			var se *SamplingError
			if !errors.As(err, &se) || !errors.Is(err, ErrSampling) {
				t.Fatalf("err = %v, want *SamplingError", err)
			}
		})
	}
}

func TestEOSToken(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		eos  string
		want int
		err  error
	}{
		{"vocab token", "<eos>", 1, nil},
		{"added token", "<end_of_turn>", 290, nil},
		{"absent", "<nope>", 0, ErrMissingEOS},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			l, dir := baseRepo(t, testutil.Tiny())
			if err := os.WriteFile(fileIn(dir, fileTokenizerConfig), testutil.TokenizerConfigJSON(tc.eos), 0o644); err != nil {
				t.Fatal(err)
			}
			p := build(t, l)
			id, err := p.EOSToken()
			if !errors.Is(err, tc.err) {
				t.Fatalf("err = %v, want %v", err, tc.err)
			}
			if tc.err != nil {
				var me *MissingEOSTokenError
				if !errors.As(err, &me) || me.Token != tc.eos {
					t.Fatalf("missing eos error %v does not name %q", err, tc.eos)
				}
				return
			}
			if id != tc.want {
				t.Fatalf("eos = %d, want %d", id, tc.want)
			}
		})
	}
}

func TestStepFinishes(t *testing.T) {
	t.Parallel()
	spec := testutil.Tiny()
	spec.MaxPos = 4
	l, _ := baseRepo(t, spec)
	p := build(t, l)

	t.Run("max tokens", func(t *testing.T) {
		seq := p.NewSequence([]int{2}, greedy())
		for range 2 {
			if _, emitted, err := p.Step(seq, nil, 2); err != nil || !emitted {
				t.Fatalf("step emitted=%v err=%v", emitted, err)
			}
		}
		_, emitted, err := p.Step(seq, nil, 2)
		if err != nil || emitted {
			t.Fatalf("third step emitted=%v err=%v", emitted, err)
		}
		if seq.FinishReason() != sequence.FinishLength || len(seq.Generated()) != 2 {
			t.Fatalf("finish %q after %d tokens", seq.FinishReason(), len(seq.Generated()))
		}
	})
	t.Run("context full", func(t *testing.T) {
		seq := p.NewSequence([]int{2, 261, 262, 263}, greedy())
		if _, emitted, _ := p.Step(seq, nil, -1); emitted {
			t.Fatal("step emitted past the context length")
		}
		if seq.FinishReason() != sequence.FinishLength {
			t.Fatalf("finish = %q", seq.FinishReason())
		}
	})
	t.Run("stop token", func(t *testing.T) {
		first := p.NewSequence([]int{2, 288}, greedy())
		lp, _, err := p.Step(first, nil, -1)
		if err != nil {
			t.Fatal(err)
		}
		seq := p.NewSequence([]int{2, 288}, greedy())
		got, emitted, err := p.Step(seq, []int{lp.Token}, -1)
		if err != nil || emitted || got.Token != lp.Token {
			t.Fatalf("stop step token=%d emitted=%v err=%v", got.Token, emitted, err)
		}
		if seq.FinishReason() != sequence.FinishStop || len(seq.Generated()) != 0 {
			t.Fatalf("finish %q with %d generated", seq.FinishReason(), len(seq.Generated()))
		}
	})
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	p := tinyPipeline(t)
	seq := p.NewSequence([]int{2, 288}, greedy())

	var streamed []string
	stats, err := p.Generate(context.Background(), seq, 5, nil, func(s string) { streamed = append(streamed, s) })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if stats.TokensGenerated != 5 || len(streamed) != 5 || stats.PromptTokens != 2 {
		t.Fatalf("stats %+v, streamed %d", stats, len(streamed))
	}
	if seq.FinishReason() != sequence.FinishLength {
		t.Fatalf("finish = %q", seq.FinishReason())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Generate(ctx, p.NewSequence([]int{2}, greedy()), 5, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled generate err = %v", err)
	}
}

func TestAssembleInputs(t *testing.T) {
	t.Parallel()
	p := tinyPipeline(t)
	prompt := p.NewSequence([]int{2, 261, 262}, greedy())
	running := p.NewSequence([]int{2, 261}, greedy())
	running.Append(270)
	bare := sequence.New([]int{2, 263}, greedy(), nil)

	in, full := AssembleInputs([]*sequence.Sequence{prompt, bare}, true, false, false)
	if full != nil {
		t.Fatal("full path built without being requested")
	}
	if in[0].Offset != 0 || !slices.Equal(in[0].Tokens, prompt.Tokens()) || in[0].State != prompt.KV() {
		t.Fatalf("prompt input %+v", in[0])
	}
	if in[1].State != nil || !slices.Equal(in[1].Tokens, bare.Tokens()) {
		t.Fatalf("stateless input %+v", in[1])
	}

	in, full = AssembleInputs([]*sequence.Sequence{running}, false, true, false)
	if in[0].Offset != 2 || !slices.Equal(in[0].Tokens, []int{270}) || in[0].State != running.KV() {
		t.Fatalf("completion input %+v", in[0])
	}
	if full[0].Offset != 0 || full[0].State != nil || !slices.Equal(full[0].Tokens, running.Tokens()) {
		t.Fatalf("full input %+v", full[0])
	}

	in, _ = AssembleInputs([]*sequence.Sequence{running}, false, false, true)
	if in[0].Offset != 0 || in[0].State != nil || len(in[0].Tokens) != 3 {
		t.Fatalf("no-cache input %+v", in[0])
	}
}
