package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flexbert/internal/logger"
	"github.com/samcharles93/flexbert/internal/model"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "flexbert",
		Usage: "FlexBERT encoder inference, evaluation and dataset tooling",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			applyLoggingConfig(cmd, LoadConfig())
			format, err := logger.ParseFormat(logFormat)
			if err != nil {
				return ctx, err
			}
			level := logger.ParseLevel(logLevel)
			if debug {
				level = slog.LevelDebug
			}
			log := logger.NewFromOptions(logger.Options{Level: level, Format: format})
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			initCmd(),
			encodeCmd(),
			evalCmd(),
			serveCmd(),
			statsCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}
}

// loadModel reads the model named by the common model flags.
func loadModel(ctx context.Context, cmd *cli.Command) (*model.Model, error) {
	applyModelConfig(cmd, LoadConfig())
	if err := requireModel(); err != nil {
		return nil, err
	}
	opts, err := modelOptions()
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	opts.Logger = log
	m, err := model.Load(modelDir, opts)
	if err != nil {
		return nil, err
	}
	log.Info("model loaded",
		"dir", modelDir,
		"layers", m.Config.NumHiddenLayers,
		"hidden", m.Config.HiddenSize,
		"norm", m.Config.Normalization,
		"attention", m.Config.AttentionStrategy,
	)
	return m, nil
}
