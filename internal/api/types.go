package api

// GenerateRequest is the body of POST /v1/generate. Unset sampling fields
// fall back to the model's generation_config.json and then to built-in
// defaults.
type GenerateRequest struct {
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	MinP          *float64 `json:"min_p,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Echo          bool     `json:"echo,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
}

// GenerateResponse is the response for non-streaming generation.
type GenerateResponse struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	Created      int64  `json:"created"`
	Model        string `json:"model"`
	Text         string `json:"text"`
	Tokens       []int  `json:"tokens"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// GenerateChunk is a streaming SSE chunk.
type GenerateChunk struct {
	ID           string  `json:"id"`
	Object       string  `json:"object"`
	Created      int64   `json:"created"`
	Model        string  `json:"model"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
	Usage        *Usage  `json:"usage,omitempty"`
}

type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
}

// PipelineInfo describes the loaded pipeline.
type PipelineInfo struct {
	Object     string `json:"object"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Device     string `json:"device"`
	DType      string `json:"dtype"`
	Layers     int    `json:"num_hidden_layers"`
	MaxSeqLen  int    `json:"max_seq_len"`
	XLora      bool   `json:"xlora"`
	NoKVCache  bool   `json:"no_kv_cache"`
	StopTokens []int  `json:"stop_tokens"`
	Active     int    `json:"active_sequences"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
