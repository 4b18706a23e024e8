package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/pipeline"
)

func runCmd() *cli.Command {
	var (
		prompt        string
		maxTokens     int64
		temp          float64
		topK          int64
		topP          float64
		minP          float64
		repeatPenalty float64
		seed          int64
		echoPrompt    bool
		streamMode    string
		rawOutput     bool
		showStats     bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: append(append(commonModelFlags(), commonTokenizerFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text",
				Required:    true,
				Destination: &prompt,
			},
			&cli.Int64Flag{
				Name:        "max-tokens",
				Aliases:     []string{"n", "steps"},
				Usage:       "number of tokens to generate (default -1 = until stop or context end)",
				Value:       -1,
				Destination: &maxTokens,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature", "t"},
				Usage:       "sampling temperature",
				Value:       0.8,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Aliases:     []string{"top_k"},
				Usage:       "top-k sampling parameter",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Aliases:     []string{"top_p"},
				Usage:       "top_p sampling parameter",
				Value:       0.95,
				Destination: &topP,
			},
			&cli.Float64Flag{
				Name:        "min-p",
				Aliases:     []string{"min_p"},
				Usage:       "min_p sampling parameter (0.0 = disabled)",
				Destination: &minP,
			},
			&cli.Float64Flag{
				Name:        "repeat-penalty",
				Aliases:     []string{"repeat_penalty"},
				Usage:       "repetition penalty (1.0 = disabled)",
				Value:       1.1,
				Destination: &repeatPenalty,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling RNG seed (default -1 = random)",
				Value:       -1,
				Destination: &seed,
			},
			&cli.BoolFlag{
				Name:        "echo-prompt",
				Usage:       "print prompt text before generation",
				Destination: &echoPrompt,
			},
			&cli.StringFlag{
				Name:        "stream-mode",
				Usage:       "output mode (instant, smooth, quiet)",
				Value:       string(StreamInstant),
				Destination: &streamMode,
			},
			&cli.BoolFlag{
				Name:        "raw-output",
				Usage:       "escape control characters in generated text",
				Destination: &rawOutput,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "print generation statistics to stderr",
				Destination: &showStats,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyRunConfig(c, cfg, &temp, &topK, &topP, &minP, &repeatPenalty, &maxTokens, &seed, &streamMode)
			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			p, err := loadPipeline(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()
			runner, err := pipeline.NewRunner(p, 1)
			if err != nil {
				return err
			}

			given := func(name string, fromConfig bool) bool { return c.IsSet(name) || fromConfig }
			var opts pipeline.RequestOptions
			opts.Prompt = prompt
			opts.EchoPrompt = &echoPrompt
			if given("max-tokens", cfg.MaxTokens != nil) {
				opts.MaxTokens = ptr(int(maxTokens))
			}
			if given("seed", cfg.Seed != nil) {
				opts.Seed = &seed
			}
			if given("temp", cfg.Temperature != nil) {
				opts.Temperature = &temp
			}
			if given("top-k", cfg.TopK != nil) {
				opts.TopK = ptr(int(topK))
			}
			if given("top-p", cfg.TopP != nil) {
				opts.TopP = &topP
			}
			if given("min-p", cfg.MinP != nil) {
				opts.MinP = &minP
			}
			if given("repeat-penalty", cfg.RepeatPenalty != nil) {
				opts.RepeatPenalty = &repeatPenalty
			}
			req := pipeline.ResolveRequest(opts, p.GenerationDefaults())

			out := NewStreamWriter(os.Stdout, mode, rawOutput)
			res, err := runner.Generate(ctx, &req, out.Write)
			out.Flush()
			fmt.Println()
			if err != nil {
				return err
			}

			logger.FromContext(ctx).Debug("generation finished",
				"tokens", res.Stats.TokensGenerated,
				"finish_reason", res.FinishReason,
			)
			if showStats {
				st := res.Stats
				fmt.Fprintf(os.Stderr, "prompt: %d tokens, prefill %s\n", st.PromptTokens, st.PrefillDuration)
				fmt.Fprintf(os.Stderr, "generated: %d tokens in %s (%.2f tok/s), finish: %s\n", st.TokensGenerated, st.Duration, st.TPS, res.FinishReason)
			}
			return nil
		},
	}
}

func ptr[T any](v T) *T { return &v }
