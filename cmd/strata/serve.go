package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/api"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/pipeline"
)

func serveCmd() *cli.Command {
	var (
		addr           string
		readTimeout    time.Duration
		maxSequences   int64
		modelName      string
		recoverCompute bool
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API over HTTP",
		Flags: append(append(commonModelFlags(), commonTokenizerFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-sequences",
				Usage:       "requests generating at once; others wait for a slot",
				Value:       4,
				Destination: &maxSequences,
			},
			&cli.StringFlag{
				Name:        "model-name",
				Usage:       "model name reported in responses (default: --model)",
				Destination: &modelName,
			},
			&cli.BoolFlag{
				Name:        "recover-compute-failures",
				Usage:       "fail only the affected request on a forward compute failure instead of exiting",
				Destination: &recoverCompute,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(c, LoadConfig(), &addr, &maxSequences)

			p, err := loadPipeline(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()
			var opts []pipeline.RunnerOption
			if recoverCompute {
				opts = append(opts, pipeline.WithComputeRecovery())
			}
			runner, err := pipeline.NewRunner(p, int(maxSequences), opts...)
			if err != nil {
				return err
			}
			if modelName == "" {
				modelName = modelID
			}
			server := api.NewServer(api.NewRunnerBackend(runner), modelName)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", modelName, "max_sequences", maxSequences, "recover_compute_failures", recoverCompute)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
