package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			fmt.Printf("version:    %s\n", info.Version)
			if info.Commit != "" {
				fmt.Printf("commit:     %s\n", info.Commit)
			}
			if info.BuildTime != "" {
				fmt.Printf("build time: %s\n", info.BuildTime)
			}
			if info.Modified {
				fmt.Println("modified:   true")
			}
			fmt.Printf("go:         %s\n", info.GoVersion)
			fmt.Printf("devices:    %s\n", strings.Join(compiledDevices(), ", "))
			return nil
		},
	}
}

// compiledDevices lists the device kinds available in this build.
func compiledDevices() []string {
	var out []string
	for _, k := range []device.Kind{device.CPU, device.CUDA, device.Metal} {
		if device.Has(k) {
			out = append(out, string(k))
		}
	}
	return out
}
