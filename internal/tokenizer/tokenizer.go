package tokenizer

// Tokenizer is the subset of tokenizer behaviour the pipeline relies on.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	// Vocab returns a token to id map. withAdded includes the tokens
	// declared in tokenizer.json's added_tokens section.
	Vocab(withAdded bool) map[string]int
	TokenString(id int) string
}
