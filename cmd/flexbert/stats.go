package main

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flexbert/internal/logger"
	"github.com/samcharles93/flexbert/internal/sourcestats"
)

func statsCmd() *cli.Command {
	var (
		dir          string
		out          string
		statsWorkers int64
	)

	return &cli.Command{
		Name:  "stats",
		Usage: "Count tokens per data source in a sharded JSONL dataset",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "dir",
				Aliases:     []string{"d"},
				Usage:       "dataset directory (one <source>_<shard> directory or .jsonl file per shard)",
				Required:    true,
				Destination: &dir,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "aggregate CSV path; per-source percentiles go next to it as .jsonl",
				Value:       "source_stats.csv",
				Destination: &out,
			},
			&cli.Int64Flag{
				Name:        "workers",
				Aliases:     []string{"j"},
				Usage:       "shards processed concurrently (0 = 75% of CPUs)",
				Destination: &statsWorkers,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if cfg := LoadConfig(); cfg.StatsWorkers != nil && !cmd.IsSet("workers") {
				statsWorkers = *cfg.StatsWorkers
			}
			rep, err := sourcestats.Run(ctx, dir, sourcestats.Options{Workers: int(statsWorkers)})
			if err != nil {
				return err
			}
			if err := writeFileWith(out, func(f *os.File) error { return sourcestats.WriteCSV(f, rep) }); err != nil {
				return err
			}
			jsonlPath := sourcestats.PercentilesPath(out)
			if err := writeFileWith(jsonlPath, func(f *os.File) error { return sourcestats.WriteJSONL(f, rep) }); err != nil {
				return err
			}
			log.Info("stats written", "csv", out, "percentiles", jsonlPath)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader(sourcestats.CSVHeader)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			for _, t := range rep.Totals {
				table.Append(t.Row())
			}
			table.Render()
			return nil
		},
	}
}

func writeFileWith(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
