package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func pullCmd() *cli.Command {
	return &cli.Command{
		Name:  "pull",
		Usage: "Download the artifacts of a model into the local cache",
		Flags: commonModelFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyModelConfig(c, LoadConfig())
			_, set, err := acquireArtifacts(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("repo:      %s@%s\n", set.Repo, set.Revision)
			fmt.Printf("config:    %s\n", set.ConfigPath)
			fmt.Printf("tokenizer: %s\n", set.TokenizerPath)
			if set.TemplatePath != "" {
				fmt.Printf("template:  %s\n", set.TemplatePath)
			}
			for _, w := range set.WeightPaths {
				fmt.Printf("weights:   %s\n", w)
			}
			for _, a := range set.Adapters {
				fmt.Printf("adapter:   %s (%s)\n", a.Name, a.WeightsPath)
			}
			if set.ClassifierPath != "" {
				fmt.Printf("classifier: %s\n", set.ClassifierPath)
			}
			return nil
		},
	}
}
