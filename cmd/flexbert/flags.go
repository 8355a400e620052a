package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flexbert/internal/attention"
	"github.com/samcharles93/flexbert/internal/model"
)

var (
	modelDir      string
	attentionFlag string
	workers       int64
	logLevel      string
	logFormat     string
	debug         bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model directory holding config.json and model.safetensors",
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "attention",
			Usage:       "attention strategy override (varlen, padded)",
			Destination: &attentionFlag,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "attention worker goroutines (0 = GOMAXPROCS)",
			Destination: &workers,
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

// modelOptions turns the common model flags into load options.
func modelOptions() (model.Options, error) {
	opts := model.Options{Workers: int(workers)}
	if attentionFlag != "" {
		s, err := attention.ParseStrategy(attentionFlag)
		if err != nil {
			return opts, err
		}
		opts.Strategy = &s
	}
	return opts, nil
}

func requireModel() error {
	if modelDir == "" {
		return fmt.Errorf("--model is required (or set model_dir in %s)", configPath())
	}
	return nil
}
