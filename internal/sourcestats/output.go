package sourcestats

import (
	"bufio"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// PercentilesPath derives the JSONL path written next to a CSV output.
func PercentilesPath(csvPath string) string {
	if strings.HasSuffix(csvPath, ".csv") {
		return strings.TrimSuffix(csvPath, ".csv") + ".jsonl"
	}
	return csvPath + ".jsonl"
}

// WriteJSONL writes one {"<source>": {...}} object per line.
func WriteJSONL(w io.Writer, rep *Report) error {
	bw := bufio.NewWriter(w)
	for _, s := range rep.Sources {
		line, err := json.Marshal(map[string]SourceStats{s.Source: s})
		if err != nil {
			return err
		}
		_, _ = bw.Write(line)
		_ = bw.WriteByte('\n')
	}
	return bw.Flush()
}

// CSVHeader is the column order of WriteCSV.
var CSVHeader = []string{"source", "num_tokens", "shards", "fraction"}

// WriteCSV writes the per-source totals, largest fraction first.
func WriteCSV(w io.Writer, rep *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, t := range rep.Totals {
		if err := cw.Write(t.Row()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Row renders t in CSVHeader order.
func (t SourceTotal) Row() []string {
	return []string{
		t.Source,
		strconv.Itoa(t.NumTokens),
		strconv.Itoa(t.Shards),
		formatNumber(t.Fraction),
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
