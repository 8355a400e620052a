package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flexbert/internal/logger"
	"github.com/samcharles93/flexbert/internal/model"
)

func initCmd() *cli.Command {
	var (
		outDir       string
		configFile   string
		seed         int64
		vocabSize    int64
		hiddenSize   int64
		layers       int64
		heads        int64
		intermediate int64
		numLabels    int64
		norm         string
		mlp          string
		act          string
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Write a randomly initialised model directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output directory", Required: true, Destination: &outDir},
			&cli.StringFlag{Name: "config", Usage: "config.json to initialise from (overrides the size flags)", Destination: &configFile},
			&cli.Int64Flag{Name: "seed", Usage: "random seed", Value: 1, Destination: &seed},
			&cli.Int64Flag{Name: "vocab-size", Value: 30522, Destination: &vocabSize},
			&cli.Int64Flag{Name: "hidden-size", Value: 256, Destination: &hiddenSize},
			&cli.Int64Flag{Name: "layers", Value: 4, Destination: &layers},
			&cli.Int64Flag{Name: "heads", Value: 4, Destination: &heads},
			&cli.Int64Flag{Name: "intermediate-size", Value: 1024, Destination: &intermediate},
			&cli.Int64Flag{Name: "num-labels", Value: 2, Destination: &numLabels},
			&cli.StringFlag{Name: "norm", Usage: "normalization (layernorm, rmsnorm)", Value: "layernorm", Destination: &norm},
			&cli.StringFlag{Name: "mlp", Usage: "feed-forward block (mlp, glu)", Value: "mlp", Destination: &mlp},
			&cli.StringFlag{Name: "act", Usage: "activation (gelu, silu)", Value: "gelu", Destination: &act},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			var (
				cfg model.Config
				err error
			)
			if configFile != "" {
				cfg, err = model.LoadConfig(configFile)
			} else {
				cfg, err = configFromFlags(vocabSize, hiddenSize, layers, heads, intermediate, numLabels, norm, mlp, act)
			}
			if err != nil {
				return err
			}
			m, err := model.NewRandom(cfg, seed, model.Options{Logger: log})
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.SaveDir(outDir); err != nil {
				return err
			}
			log.Info("model written", "dir", outDir, "params", m.NumParams(), "seed", seed)
			return nil
		},
	}
}

func configFromFlags(vocab, hidden, layers, heads, inter, labels int64, norm, mlp, act string) (model.Config, error) {
	cfg := model.Config{
		VocabSize:         int(vocab),
		HiddenSize:        int(hidden),
		NumHiddenLayers:   int(layers),
		NumAttentionHeads: int(heads),
		IntermediateSize:  int(inter),
		TypeVocabSize:     2,
		NumLabels:         int(labels),
	}
	if err := cfg.Normalization.UnmarshalText([]byte(norm)); err != nil {
		return cfg, err
	}
	if err := cfg.MLPLayer.UnmarshalText([]byte(mlp)); err != nil {
		return cfg, err
	}
	if err := cfg.HiddenAct.UnmarshalText([]byte(act)); err != nil {
		return cfg, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("init: %w", err)
	}
	return cfg, nil
}
