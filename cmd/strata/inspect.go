package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/docker/go-units"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/chattemplate"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/pipeline"
	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/internal/tokenizer"
)

type inspectOptions struct {
	tensors      bool
	tensorLimit  int
	tensorFilter string
	showTemplate bool
}

func inspectCmd() *cli.Command {
	var (
		ggufPath string
		opts     inspectOptions
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Describe a model's config, tokenizer, template and weights",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{Name: "gguf", Usage: "describe a GGUF file instead of a model repository", Destination: &ggufPath},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensors", Destination: &opts.tensors},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &opts.tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &opts.tensorFilter},
			&cli.BoolFlag{Name: "chat-template", Usage: "print the chat template", Destination: &opts.showTemplate},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			if ggufPath != "" {
				info, err := pipeline.DescribeGGUF(ggufPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				printGGUF(os.Stdout, info)
				return nil
			}
			applyModelConfig(c, LoadConfig())
			_, set, err := acquireArtifacts(ctx)
			if err != nil {
				return err
			}
			return printInspect(os.Stdout, set, opts)
		},
	}
}

func printGGUF(w io.Writer, info pipeline.GGUFInfo) {
	fmt.Fprintf(w, "GGUF: %s\n", info.Path)
	fmt.Fprintf(w, "  architecture: %s\n", info.Architecture)
	if info.Name != "" {
		fmt.Fprintf(w, "  name:         %s\n", info.Name)
	}
	fmt.Fprintf(w, "  file type:    %s\n", info.FileType)
	fmt.Fprintf(w, "  parameters:   %s\n", info.Parameters)
	fmt.Fprintf(w, "  size:         %s\n", info.Size)
	fmt.Fprintf(w, "  tensors:      %d\n", info.TensorCount)
	fmt.Fprintln(w, "  (gguf weights are not served by this pipeline)")
}

func printInspect(w io.Writer, set *pipeline.ArtifactSet, opts inspectOptions) error {
	fmt.Fprintf(w, "Model: %s@%s\n", set.Repo, set.Revision)

	cfg, err := model.LoadConfig(set.ConfigPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	printParameters(w, cfg)

	tok, err := tokenizer.LoadHFTokenizer(set.TokenizerPath, set.TemplatePath)
	if err != nil {
		return fmt.Errorf("tokenizer: %w", err)
	}
	fmt.Fprintln(w, "Tokenizer:")
	fmt.Fprintf(w, "  vocab:        %d (%d with added tokens)\n", len(tok.Vocab(false)), len(tok.Vocab(true)))
	fmt.Fprintf(w, "  bos id:       %d\n", tok.BOSID())
	fmt.Fprintf(w, "  eos id:       %d\n", tok.EOSID())

	if set.TemplatePath != "" {
		tmpl, err := chattemplate.Load(set.TemplatePath)
		if err != nil {
			return fmt.Errorf("template: %w", err)
		}
		fmt.Fprintln(w, "Template:")
		fmt.Fprintf(w, "  bos token:    %s\n", tmpl.BOSToken.Content())
		fmt.Fprintf(w, "  eos token:    %s\n", tmpl.EOSToken.Content())
		fmt.Fprintf(w, "  chat:         %s\n", units.HumanSize(float64(len(tmpl.ChatTemplate))))
		if opts.showTemplate {
			fmt.Fprintln(w, tmpl.ChatTemplate)
		}
	}

	fmt.Fprintln(w, "Weights:")
	var total int64
	for _, p := range set.WeightPaths {
		f, err := safetensors.Open(p)
		if err != nil {
			return fmt.Errorf("weights: %w", err)
		}
		total += f.Size()
		fmt.Fprintf(w, "  %-40s %8s %5d tensors\n", filepath.Base(p), units.HumanSize(float64(f.Size())), len(f.Names()))
		if opts.tensors {
			printTensors(w, f, opts)
		}
		_ = f.Close()
	}
	fmt.Fprintf(w, "  total:        %s\n", units.HumanSize(float64(total)))

	if len(set.Adapters) > 0 {
		fmt.Fprintln(w, "Adapters:")
		for _, a := range set.Adapters {
			fmt.Fprintf(w, "  %s\n", a.Name)
		}
	}
	return nil
}

func printParameters(w io.Writer, cfg model.Config) {
	fmt.Fprintln(w, "Parameters:")
	fmt.Fprintf(w, "  vocab size:   %d\n", cfg.VocabSize)
	fmt.Fprintf(w, "  hidden size:  %d\n", cfg.HiddenSize)
	fmt.Fprintf(w, "  intermediate: %d\n", cfg.IntermediateSize)
	fmt.Fprintf(w, "  layers:       %d\n", cfg.NumHiddenLayers)
	fmt.Fprintf(w, "  heads:        %d (kv %d, dim %d)\n", cfg.NumAttentionHeads, cfg.NumKeyValueHeads, cfg.HeadDim)
	fmt.Fprintf(w, "  context:      %d\n", cfg.MaxPositionEmbeddings)
	fmt.Fprintf(w, "  rope theta:   %g\n", cfg.RopeTheta)
}

func printTensors(w io.Writer, f *safetensors.File, opts inspectOptions) {
	names := f.Names()
	slices.Sort(names)
	shown := 0
	for _, name := range names {
		if opts.tensorFilter != "" && !strings.Contains(name, opts.tensorFilter) {
			continue
		}
		if opts.tensorLimit > 0 && shown >= opts.tensorLimit {
			fmt.Fprintln(w, "    ...")
			return
		}
		info, _ := f.Tensor(name)
		fmt.Fprintf(w, "    %-56s %-5s %v\n", name, info.DType, info.Shape)
		shown++
	}
}
