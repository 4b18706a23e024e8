package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/pipeline"
)

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.backend == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "pipeline not loaded", "", "")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := validateGenerate(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), errorParam(err), "")
	}
	if req.Model != "" && req.Model != s.model {
		return writeError(c, http.StatusNotFound, "not_found_error", fmt.Sprintf("model %q is not loaded", req.Model), "model", "model_not_found")
	}

	inferReq := toPipelineRequest(&req, s.backend.Defaults())
	id := "gen-" + uuid.NewString()
	created := s.clock().Unix()
	if req.Stream {
		return s.handleGenerateStream(c, &inferReq, id, created)
	}

	res, err := s.backend.Generate(c.Request().Context(), &inferReq, nil)
	if err != nil {
		return writeGenerateError(c, err)
	}
	text := res.Text
	if req.Echo {
		text = req.Prompt + text
	}
	return c.JSON(http.StatusOK, GenerateResponse{
		ID:           id,
		Object:       "text_completion",
		Created:      created,
		Model:        s.model,
		Text:         text,
		Tokens:       res.Tokens,
		FinishReason: finishReason(res),
		Usage:        usage(res.Stats),
	})
}

func (s *Server) handleGenerateStream(c *echo.Context, req *pipeline.Request, id string, created int64) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return writeBadRequest(c, "streaming unsupported")
	}

	chunk := func(text string) GenerateChunk {
		return GenerateChunk{ID: id, Object: "text_completion.chunk", Created: created, Model: s.model, Text: text}
	}
	result, err := s.backend.Generate(c.Request().Context(), req, func(tok string) {
		_ = sendSSEChunk(res, chunk(tok))
		flusher.Flush()
	})
	if err != nil {
		_, errType := classifyError(err)
		_ = sendSSEChunk(res, map[string]any{"error": ResponseError{Message: err.Error(), Type: errType}})
		flusher.Flush()
		return nil
	}

	final := chunk("")
	final.FinishReason = stringPtr(finishReason(result))
	u := usage(result.Stats)
	final.Usage = &u
	_ = sendSSEChunk(res, final)
	_, _ = fmt.Fprint(res, "data: [DONE]\n\n")
	flusher.Flush()
	return nil
}

func validateGenerate(req *GenerateRequest) error {
	switch {
	case req.Prompt == "":
		return newInvalidRequest("prompt", "prompt is required")
	case req.MaxTokens != nil && *req.MaxTokens < 0:
		return newInvalidRequest("max_tokens", "max_tokens must not be negative")
	case req.Temperature != nil && *req.Temperature < 0:
		return newInvalidRequest("temperature", "temperature must not be negative")
	case req.TopK != nil && *req.TopK < 0:
		return newInvalidRequest("top_k", "top_k must not be negative")
	case req.TopP != nil && (*req.TopP <= 0 || *req.TopP > 1):
		return newInvalidRequest("top_p", "top_p must be in (0, 1]")
	case req.MinP != nil && (*req.MinP < 0 || *req.MinP > 1):
		return newInvalidRequest("min_p", "min_p must be in [0, 1]")
	case req.RepeatPenalty != nil && *req.RepeatPenalty <= 0:
		return newInvalidRequest("repeat_penalty", "repeat_penalty must be positive")
	}
	return nil
}

func toPipelineRequest(req *GenerateRequest, defaults pipeline.GenDefaults) pipeline.Request {
	opts := pipeline.RequestOptions{
		Prompt:        req.Prompt,
		MaxTokens:     req.MaxTokens,
		Seed:          req.Seed,
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		TopP:          req.TopP,
		MinP:          req.MinP,
		RepeatPenalty: req.RepeatPenalty,
		EchoPrompt:    &req.Echo,
	}
	return pipeline.ResolveRequest(opts, defaults)
}

// classifyError maps a generation error to an HTTP status and error type.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled"
	case errors.Is(err, pipeline.ErrComputeFailure):
		return http.StatusInternalServerError, "compute_error"
	case errors.Is(err, pipeline.ErrSampling):
		return http.StatusInternalServerError, "sampling_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeGenerateError(c *echo.Context, err error) error {
	status, errType := classifyError(err)
	return writeError(c, status, errType, err.Error(), errorParam(err), "")
}

func finishReason(res *pipeline.Result) string {
	if res.FinishReason == "" {
		return "stop"
	}
	return string(res.FinishReason)
}

func usage(st pipeline.Stats) Usage {
	return Usage{
		PromptTokens:     st.PromptTokens,
		CompletionTokens: st.TokensGenerated,
		TotalTokens:      st.PromptTokens + st.TokensGenerated,
		TokensPerSecond:  st.TPS,
	}
}
