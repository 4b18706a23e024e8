package logits

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var (
	ErrEmptyLogits   = errors.New("logits: empty distribution")
	ErrInvalidLogits = errors.New("logits: distribution contains NaN")
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
}

// Logprobs is one sampled token together with its log-probability under the
// distribution it was drawn from. Text is filled in by callers that own a
// tokenizer.
type Logprobs struct {
	Token   int
	Logprob float32
	Text    string
}

// Sampler draws tokens for a single sequence. It is not safe for concurrent
// use; each sequence owns its own instance.
type Sampler struct {
	rng       *rand.Rand
	cfg       SamplerConfig
	greedy    bool
	topIdx    []int
	topVal    []float32
	prob      []float64
	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
}

// NewSampler returns a new sampler with the provided configuration.
// A non-positive temperature selects greedy decoding.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1.0
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Config returns the effective configuration after defaulting.
func (s *Sampler) Config() SamplerConfig { return s.cfg }

// Greedy reports whether the sampler always picks the argmax.
func (s *Sampler) Greedy() bool { return s.greedy }

// Sample draws a single token from logits. ctxt is the repetition window;
// every token in it is penalized when RepeatPenalty > 1. The caller decides
// how much history the window covers. logits is modified in place.
//
//  1. Apply repetition penalty if configured.
//  2. Greedy configurations return the argmax.
//  3. Otherwise the logits are scaled by the inverse temperature and the
//     top k values are shortlisted.
//  4. A softmax over the shortlist is computed, optionally filtered by
//     MinP and truncated at cumulative TopP.
//  5. A uniform draw selects from the truncated distribution.
func (s *Sampler) Sample(logits []float32, ctxt []int) (Logprobs, error) {
	if len(logits) == 0 {
		return Logprobs{}, ErrEmptyLogits
	}
	for i, v := range logits {
		if v != v {
			return Logprobs{}, fmt.Errorf("%w at index %d", ErrInvalidLogits, i)
		}
	}
	s.applyRepeatPenalty(logits, ctxt)

	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1) {
		idx := argmax(logits)
		return Logprobs{Token: idx, Logprob: logSoftmaxAt(logits, idx, 1)}, nil
	}

	invTemp := float32(1.0) / s.cfg.Temperature
	k := min(s.cfg.TopK, len(logits))

	topIdx, topVal := s.topK(logits, k, invTemp)

	maxv := topVal[0]
	for i := 1; i < len(topVal); i++ {
		if topVal[i] > maxv {
			maxv = topVal[i]
		}
	}

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 || math.IsInf(sum, 0) {
		return Logprobs{Token: topIdx[0], Logprob: 0}, nil
	}
	invSum := 1.0 / sum
	for i := range prob {
		prob[i] *= invSum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		n := 0
		var kept float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[n] = prob[i]
				topIdx[n] = topIdx[i]
				kept += prob[i]
				n++
			}
		}
		if n < len(prob) {
			prob = prob[:n]
			if kept > 0 {
				scale := 1.0 / kept
				for i := range prob {
					prob[i] *= scale
				}
			}
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return Logprobs{Token: topIdx[i], Logprob: float32(math.Log(prob[i]))}, nil
		}
	}
	return Logprobs{Token: topIdx[cut-1], Logprob: float32(math.Log(prob[cut-1]))}, nil
}

func (s *Sampler) applyRepeatPenalty(logits []float32, ctxt []int) {
	if s.cfg.RepeatPenalty <= 1.0 || len(ctxt) == 0 {
		return
	}
	if len(s.seenMark) < len(logits) {
		s.seenMark = make([]uint32, len(logits))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	s.seenList = s.seenList[:0]
	for _, id := range ctxt {
		if id >= 0 && id < len(logits) && s.seenMark[id] != s.seenEpoch {
			s.seenMark[id] = s.seenEpoch
			s.seenList = append(s.seenList, id)
		}
	}
	for _, id := range s.seenList {
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// argmax returns the index of the maximum value in the slice. If the slice is empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// logSoftmaxAt returns log(softmax(x*invTemp)[idx]) without materialising
// the full distribution.
func logSoftmaxAt(x []float32, idx int, invTemp float32) float32 {
	maxv := x[0] * invTemp
	for _, v := range x[1:] {
		if v*invTemp > maxv {
			maxv = v * invTemp
		}
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v*invTemp - maxv))
	}
	return float32(float64(x[idx]*invTemp-maxv) - math.Log(sum))
}

// topK returns the indices and values of the k largest elements in logits, scaled by invTemp.
// The returned slices are ordered from largest to smallest by value.
// This is an O(V*K) algorithm suitable for small K.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
