package main

import "github.com/urfave/cli/v3"

var (
	modelID       string
	modelKind     string
	revision      string
	tokenSource   string
	xloraModelID  string
	xloraOrdering string
	tokenizerJSON string
	chatTemplate  string
	cacheDir      string
	deviceName    string
	dtypeName     string
	noKVCache     bool
	repeatLastN   int64
	logLevel      string
	logFormat     string
	debug         bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "hub repository id or local model directory",
			Destination: &modelID,
		},
		&cli.StringFlag{
			Name:        "kind",
			Usage:       "model kind (normal, xlora)",
			Value:       "normal",
			Destination: &modelKind,
		},
		&cli.StringFlag{
			Name:        "revision",
			Usage:       "hub revision",
			Value:       "main",
			Destination: &revision,
		},
		&cli.StringFlag{
			Name:        "token-source",
			Usage:       "hub token source (cache, none, env:VAR, path:FILE, literal:TOKEN)",
			Value:       "cache",
			Destination: &tokenSource,
		},
		&cli.StringFlag{
			Name:        "xlora-model",
			Usage:       "hub repository id or local directory of the X-LoRA adapters",
			Destination: &xloraModelID,
		},
		&cli.StringFlag{
			Name:        "xlora-ordering",
			Usage:       "path to the X-LoRA ordering file",
			Destination: &xloraOrdering,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "artifact cache directory (default $STRATA_CACHE_DIR or the user cache)",
			Destination: &cacheDir,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "execution device (auto, cpu, cuda, cuda:N, metal)",
			Value:       "auto",
			Destination: &deviceName,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "weight dtype (f32, bf16, f16; default depends on the device)",
			Destination: &dtypeName,
		},
		&cli.BoolFlag{
			Name:        "no-kv-cache",
			Usage:       "recompute the full history on every step",
			Destination: &noKVCache,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "last n tokens to penalize",
			Value:       64,
			Destination: &repeatLastN,
		},
	}
}

func commonTokenizerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "tokenizer-json",
			Usage:       "override path to tokenizer.json",
			Destination: &tokenizerJSON,
		},
		&cli.StringFlag{
			Name:        "chat-template",
			Usage:       "override chat template (file path or literal template)",
			Destination: &chatTemplate,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
