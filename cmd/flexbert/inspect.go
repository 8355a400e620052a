package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flexbert/internal/logger"
	"github.com/samcharles93/flexbert/internal/model"
	"github.com/samcharles93/flexbert/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var (
		path   string
		filter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the config and tensors of a model directory or .safetensors file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "model directory or .safetensors file",
				Required:    true,
				Destination: &path,
			},
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "only list tensors whose name contains this string",
				Destination: &filter,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			weights := path
			var expected []model.TensorInfo
			st, err := os.Stat(path)
			if err != nil {
				return err
			}
			if st.IsDir() {
				weights = filepath.Join(path, model.WeightsFile)
				cfg, err := model.LoadConfig(filepath.Join(path, model.ConfigFile))
				if err != nil {
					return err
				}
				renderTable(os.Stdout, "Config", nil, configRows(cfg))
				m, err := model.New(cfg, model.Options{Workers: 1, Logger: logger.FromContext(ctx)})
				if err != nil {
					return err
				}
				expected = m.Tensors()
				m.Close()
			}

			f, err := safetensors.Open(weights)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			names := make([]string, 0, len(f.Tensors))
			for name := range f.Tensors {
				if filter == "" || strings.Contains(name, filter) {
					names = append(names, name)
				}
			}
			slices.Sort(names)
			rows := make([][]string, 0, len(names))
			total := 0
			for _, name := range names {
				info := f.Tensors[name]
				n := 1
				for _, d := range info.Shape {
					n *= d
				}
				total += n
				rows = append(rows, []string{name, info.DType, fmt.Sprint(info.Shape), fmt.Sprint(n)})
			}
			renderTable(os.Stdout, "Tensors", []string{"NAME", "DTYPE", "SHAPE", "ELEMENTS"}, rows)
			fmt.Printf("  %d tensors, %d elements\n", len(rows), total)
			if len(f.Metadata) > 0 {
				var meta [][]string
				for k, v := range f.Metadata {
					meta = append(meta, []string{k, v})
				}
				slices.SortFunc(meta, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
				renderTable(os.Stdout, "Metadata", nil, meta)
			}
			if expected != nil {
				if problems := checkTensors(f, expected); len(problems) > 0 {
					renderTable(os.Stdout, "Problems", []string{"NAME", "EXPECTED", "FOUND"}, problems)
					return fmt.Errorf("%d tensors missing or misshapen", len(problems))
				}
			}
			return nil
		},
	}
}

// checkTensors compares a checkpoint against the tensors the config implies.
// Missing head tensors are not reported.
func checkTensors(f *safetensors.File, expected []model.TensorInfo) [][]string {
	var rows [][]string
	for _, want := range expected {
		info, ok := f.Tensor(want.Name)
		if !ok {
			info, ok = f.Tensor(strings.TrimPrefix(want.Name, "bert."))
		}
		switch {
		case !ok && !want.Optional:
			rows = append(rows, []string{want.Name, fmt.Sprint(want.Shape), "missing"})
		case ok && !slices.Equal(info.Shape, want.Shape):
			rows = append(rows, []string{want.Name, fmt.Sprint(want.Shape), fmt.Sprint(info.Shape)})
		}
	}
	return rows
}

func configRows(cfg model.Config) [][]string {
	return [][]string{
		{"model type", cfg.ModelType},
		{"vocab size", fmt.Sprint(cfg.VocabSize)},
		{"hidden size", fmt.Sprint(cfg.HiddenSize)},
		{"layers", fmt.Sprint(cfg.NumHiddenLayers)},
		{"heads", fmt.Sprint(cfg.NumAttentionHeads)},
		{"intermediate size", fmt.Sprint(cfg.IntermediateSize)},
		{"normalization", fmt.Sprintf("%s (eps %g)", cfg.Normalization, cfg.NormEps())},
		{"mlp", fmt.Sprintf("%s/%s", cfg.MLPLayer, cfg.HiddenAct)},
		{"attention", cfg.AttentionStrategy.String()},
		{"bias", fmt.Sprint(cfg.Bias())},
		{"labels", fmt.Sprint(cfg.NumLabels)},
	}
}

func renderTable(w io.Writer, title string, header []string, rows [][]string) {
	fmt.Fprintln(w, " ", title)
	table := tablewriter.NewWriter(w)
	if header != nil {
		table.SetHeader(header)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	}
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
	fmt.Fprintln(w)
}
