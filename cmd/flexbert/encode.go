package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flexbert/internal/api"
	"github.com/samcharles93/flexbert/internal/model"
)

func encodeCmd() *cli.Command {
	var (
		inputPath string
		classify  bool
	)

	return &cli.Command{
		Name:  "encode",
		Usage: "Encode a JSON batch of token ids and print hidden states or logits",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       `request JSON ({"input_ids": [[...]], "attention_mask": ..., "token_type_ids": ...}), "-" for stdin`,
				Value:       "-",
				Destination: &inputPath,
			},
			&cli.BoolFlag{
				Name:        "classify",
				Usage:       "print classification logits instead of hidden states",
				Destination: &classify,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			req, err := readEncodeRequest(inputPath)
			if err != nil {
				return err
			}
			batch, err := model.NewBatch(req.InputIDs, req.TokenTypeIDs, req.AttentionMask)
			if err != nil {
				return err
			}
			m, err := loadModel(ctx, cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			enc := json.NewEncoder(os.Stdout)
			if classify {
				logits, err := m.Classify(batch)
				if err != nil {
					return err
				}
				preds := model.Argmax(logits)
				labels := make([]string, len(preds))
				for i, p := range preds {
					labels[i] = m.Config.Label(p)
				}
				return enc.Encode(map[string]any{
					"shape":       logits.Shape,
					"logits":      logits.Data,
					"predictions": preds,
					"labels":      labels,
				})
			}
			hidden, err := m.Forward(batch)
			if err != nil {
				return err
			}
			return enc.Encode(map[string]any{
				"shape":         hidden.Shape,
				"hidden_states": hidden.Data,
			})
		},
	}
}

func readEncodeRequest(path string) (api.EncodeRequest, error) {
	var req api.EncodeRequest
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return req, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return req, fmt.Errorf("decode %s: %w", path, err)
	}
	return req, nil
}
