package pipeline

import (
	"slices"
	"testing"
)

type vocabTokenizer map[string]int

func (vocabTokenizer) Encode(string) ([]int, error) { return nil, nil }
func (vocabTokenizer) Decode([]int) (string, error) { return "", nil }
func (v vocabTokenizer) Vocab(bool) map[string]int  { return v }
func (vocabTokenizer) TokenString(int) string       { return "" }

func TestBuildStopTokens(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		vocab vocabTokenizer
		eos   int
		want  []int
	}{
		{
			name:  "eos plus turn end",
			vocab: vocabTokenizer{"<eos>": 1, "<end_of_turn>": 107},
			eos:   1,
			want:  []int{1, 107},
		},
		{
			name:  "turn end as eos",
			vocab: vocabTokenizer{"<eos>": 1, "<end_of_turn>": 107},
			eos:   107,
			want:  []int{107, 1},
		},
		{
			name:  "no markers",
			vocab: vocabTokenizer{"</s>": 2},
			eos:   2,
			want:  []int{2},
		},
		{
			name:  "no eos",
			vocab: vocabTokenizer{"<end_of_turn>": 107},
			eos:   -1,
			want:  []int{107},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := BuildStopTokens(tc.vocab, tc.eos); !slices.Equal(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}
