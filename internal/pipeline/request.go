package pipeline

import (
	"os"

	"github.com/goccy/go-json"
)

// Request is a fully resolved generation request.
type Request struct {
	Prompt string

	MaxTokens int
	Seed      int64

	Temperature   float64
	TopK          int
	TopP          float64
	MinP          float64
	RepeatPenalty float64

	EchoPrompt bool
}

// RequestOptions carries caller overrides. Nil fields fall back to the
// generation defaults and then to built-in values.
type RequestOptions struct {
	Prompt string

	MaxTokens *int
	Seed      *int64

	Temperature   *float64
	TopK          *int
	TopP          *float64
	MinP          *float64
	RepeatPenalty *float64

	EchoPrompt *bool
}

// GenDefaults are the sampling values from generation_config.json.
type GenDefaults struct {
	Temperature       *float64 `json:"temperature"`
	TopK              *int     `json:"top_k"`
	TopP              *float64 `json:"top_p"`
	RepetitionPenalty *float64 `json:"repetition_penalty"`
}

func ResolveRequest(opts RequestOptions, defaults GenDefaults) Request {
	req := Request{
		Prompt:        opts.Prompt,
		MaxTokens:     -1,
		Seed:          -1,
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		MinP:          0.0,
		RepeatPenalty: 1.1,
	}

	if defaults.Temperature != nil && *defaults.Temperature > 0 {
		req.Temperature = *defaults.Temperature
	}
	if defaults.TopK != nil && *defaults.TopK > 0 {
		req.TopK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		req.TopP = *defaults.TopP
	}
	if defaults.RepetitionPenalty != nil && *defaults.RepetitionPenalty > 0 {
		req.RepeatPenalty = *defaults.RepetitionPenalty
	}

	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	if opts.Seed != nil {
		req.Seed = *opts.Seed
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		req.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		req.TopP = *opts.TopP
	}
	if opts.MinP != nil {
		req.MinP = *opts.MinP
	}
	if opts.RepeatPenalty != nil {
		req.RepeatPenalty = *opts.RepeatPenalty
	}
	if opts.EchoPrompt != nil {
		req.EchoPrompt = *opts.EchoPrompt
	}
	return req
}

// loadGenDefaults reads generation_config.json. A missing or malformed
// file yields no defaults.
func loadGenDefaults(path string) GenDefaults {
	if path == "" {
		return GenDefaults{}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return GenDefaults{}
	}
	var d GenDefaults
	if err := json.Unmarshal(raw, &d); err != nil {
		return GenDefaults{}
	}
	return d
}
