package pipeline

import (
	"slices"

	"github.com/samcharles93/strata/internal/tokenizer"
)

// turnEndMarkers end an assistant turn in Gemma chat templates even when
// the template names a different EOS token.
var turnEndMarkers = []string{"<end_of_turn>", "<eos>"}

// BuildStopTokens returns eos followed by every turn-end marker present in
// the vocabulary. A negative eos is omitted.
func BuildStopTokens(tok tokenizer.Tokenizer, eos int) []int {
	var stop []int
	if eos >= 0 {
		stop = append(stop, eos)
	}
	vocab := tok.Vocab(true)
	for _, m := range turnEndMarkers {
		if id, ok := vocab[m]; ok && !slices.Contains(stop, id) {
			stop = append(stop, id)
		}
	}
	return stop
}
