package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flexbert/internal/tasks"
)

func evalCmd() *cli.Command {
	var (
		taskName  string
		dataPath  string
		batchSize int64
		limit     int64
		asJSON    bool
	)

	return &cli.Command{
		Name:  "eval",
		Usage: "Score a classification head on a pre-tokenized GLUE/SuperGLUE JSONL split",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "task",
				Aliases:     []string{"t"},
				Usage:       "task name (" + strings.Join(tasks.Names(), ", ") + ")",
				Required:    true,
				Destination: &taskName,
			},
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "JSONL file with input_ids, token_type_ids, attention_mask and label",
				Required:    true,
				Destination: &dataPath,
			},
			&cli.Int64Flag{
				Name:        "batch-size",
				Aliases:     []string{"b"},
				Usage:       "examples per forward pass",
				Value:       32,
				Destination: &batchSize,
			},
			&cli.Int64Flag{
				Name:        "limit",
				Usage:       "stop after this many examples (0 = all)",
				Destination: &limit,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the result as JSON",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			if cfg.BatchSize != nil && !cmd.IsSet("batch-size") {
				batchSize = *cfg.BatchSize
			}
			task, err := tasks.Parse(taskName)
			if err != nil {
				return err
			}
			m, err := loadModel(ctx, cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			if !task.MultipleChoice() && m.Config.NumLabels != task.NumLabels() {
				return fmt.Errorf("task %s has %d labels, model head has %d", task, task.NumLabels(), m.Config.NumLabels)
			}

			f, err := os.Open(dataPath)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			res, err := tasks.Evaluate(ctx, m, task, f, tasks.Options{
				BatchSize: int(batchSize),
				PadID:     m.Config.PadTokenID,
				Limit:     int(limit),
			})
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(res)
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"TASK", "METRIC", "EXAMPLES", "CORRECT", "ACCURACY", "ELAPSED"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			table.Append([]string{
				res.Task.String(),
				res.Metric,
				fmt.Sprint(res.Examples),
				fmt.Sprint(res.Correct),
				fmt.Sprintf("%.4f", res.Accuracy),
				res.Elapsed.Round(time.Millisecond).String(),
			})
			table.Render()
			return nil
		},
	}
}
