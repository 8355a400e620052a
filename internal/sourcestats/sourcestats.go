// Package sourcestats measures per-source token counts of a sharded text
// dataset laid out as one directory or JSONL file per shard, named
// <source>_<shard>.
package sourcestats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/flexbert/internal/logger"
)

// Counter returns the number of tokens in one document.
type Counter func(text string) int

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// SimpleSplitter counts the pieces left after splitting on runs of non-word
// characters. Leading or trailing separators produce empty pieces, which
// are counted.
func SimpleSplitter(text string) int {
	return len(nonWord.Split(text, -1))
}

// DefaultPercentiles is 1, 99 and every multiple of 5 from 0 to 100.
func DefaultPercentiles() []float64 {
	ps := []float64{1, 99}
	for p := 0; p <= 100; p += 5 {
		ps = append(ps, float64(p))
	}
	return ps
}

// DefaultWorkers is ceil(0.75 * NumCPU).
func DefaultWorkers() int {
	return max(1, int(math.Ceil(0.75*float64(runtime.NumCPU()))))
}

var excluded = map[string]bool{".gitattributes": true, "README.md": true}

// Shard is one unit of the dataset.
type Shard struct {
	Name   string
	Source string
	Files  []string
}

// SourceName drops the last "_"-separated part of a shard name. A name
// without an underscore is its own source.
func SourceName(shard string) string {
	i := strings.LastIndexByte(shard, '_')
	if i < 0 {
		return shard
	}
	return shard[:i]
}

// ListShards returns the shards under dir sorted by name. A shard is either
// a sub-directory holding .jsonl/.json files or a single .jsonl file.
func ListShards(dir string) ([]Shard, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var shards []Shard
	for _, e := range entries {
		name := e.Name()
		if excluded[name] || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		if e.IsDir() {
			files, err := dataFiles(path)
			if err != nil {
				return nil, err
			}
			if len(files) == 0 {
				continue
			}
			shards = append(shards, Shard{Name: name, Source: SourceName(name), Files: files})
			continue
		}
		if !isDataFile(name) {
			continue
		}
		base := strings.TrimSuffix(strings.TrimSuffix(name, ".jsonl"), ".json")
		shards = append(shards, Shard{Name: base, Source: SourceName(base), Files: []string{path}})
	}
	slices.SortFunc(shards, func(a, b Shard) int { return strings.Compare(a.Name, b.Name) })
	return shards, nil
}

func isDataFile(name string) bool {
	return strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".json")
}

func dataFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isDataFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// CountFile returns the token count of every document in a JSONL file whose
// lines carry a "text" field.
func CountFile(path string, count Counter) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return CountReader(f, count)
}

// CountReader is CountFile over an open reader.
func CountReader(r io.Reader, count Counter) ([]int, error) {
	var doc struct {
		Text *string `json:"text"`
	}
	var out []int
	tr := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	br := bufio.NewReaderSize(transform.NewReader(r, tr), 1<<20)
	line := 0
	for {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
				doc.Text = nil
				if jerr := json.Unmarshal([]byte(trimmed), &doc); jerr != nil {
					return nil, fmt.Errorf("line %d: %w", line, jerr)
				}
				if doc.Text == nil {
					return nil, fmt.Errorf("line %d: missing text field", line)
				}
				out = append(out, count(*doc.Text))
			}
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Options configure a Run.
type Options struct {
	Workers     int
	Counter     Counter
	Percentiles []float64
}

// Percentile is one requested percentile and its value.
type Percentile struct {
	P     float64
	Value float64
}

// Percentiles marshals as a JSON object that keeps request order.
type Percentiles []Percentile

func (ps Percentiles) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, p := range ps {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(formatNumber(p.P))
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// SourceStats describes the token count distribution of one source.
type SourceStats struct {
	Source      string      `json:"-"`
	Documents   int         `json:"-"`
	Mean        float64     `json:"mean"`
	Std         float64     `json:"std"`
	Percentiles Percentiles `json:"percentiles"`
}

// SourceTotal is one row of the aggregate table.
type SourceTotal struct {
	Source    string
	NumTokens int
	Shards    int
	Fraction  float64
}

// Report is the result of a Run.
type Report struct {
	Sources []SourceStats
	Totals  []SourceTotal
}

// Run counts tokens in every shard under dir, processing shards
// concurrently, and aggregates them per source.
func Run(ctx context.Context, dir string, opts Options) (*Report, error) {
	log := logger.FromContext(ctx)
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	if opts.Counter == nil {
		opts.Counter = SimpleSplitter
	}
	if opts.Percentiles == nil {
		opts.Percentiles = DefaultPercentiles()
	}

	shards, err := ListShards(dir)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("no shards found in %s", dir)
	}
	log.Info("counting tokens", "dir", dir, "shards", len(shards), "workers", opts.Workers)

	counts := make([][]int, len(shards))
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, sh := range shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var shardCounts []int
			for _, file := range sh.Files {
				c, err := CountFile(file, opts.Counter)
				if err != nil {
					return fmt.Errorf("shard %s: %s: %w", sh.Name, file, err)
				}
				shardCounts = append(shardCounts, c...)
			}
			counts[i] = shardCounts
			log.Debug("shard counted", "shard", sh.Name, "source", sh.Source, "documents", len(shardCounts), "done", done.Add(1))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return aggregate(shards, counts, opts.Percentiles)
}

func aggregate(shards []Shard, counts [][]int, percentiles []float64) (*Report, error) {
	type acc struct {
		tokens []float64
		shards int
	}
	bySource := map[string]*acc{}
	var order []string
	for i, sh := range shards {
		a, ok := bySource[sh.Source]
		if !ok {
			a = &acc{}
			bySource[sh.Source] = a
			order = append(order, sh.Source)
		}
		a.shards++
		for _, c := range counts[i] {
			a.tokens = append(a.tokens, float64(c))
		}
	}

	rep := &Report{}
	var total float64
	for _, src := range order {
		a := bySource[src]
		sum := floats.Sum(a.tokens)
		total += sum
		rep.Totals = append(rep.Totals, SourceTotal{Source: src, NumTokens: int(sum), Shards: a.shards})
		if len(a.tokens) == 0 {
			return nil, fmt.Errorf("source %s has no documents", src)
		}
		mean, std := stat.PopMeanStdDev(a.tokens, nil)
		sorted := slices.Clone(a.tokens)
		slices.Sort(sorted)
		ps := make(Percentiles, len(percentiles))
		for i, p := range percentiles {
			ps[i] = Percentile{P: p, Value: linearPercentile(sorted, p)}
		}
		rep.Sources = append(rep.Sources, SourceStats{
			Source:      src,
			Documents:   len(a.tokens),
			Mean:        mean,
			Std:         std,
			Percentiles: ps,
		})
	}
	for i := range rep.Totals {
		if total > 0 {
			rep.Totals[i].Fraction = float64(rep.Totals[i].NumTokens) / total
		}
	}
	slices.SortStableFunc(rep.Totals, func(a, b SourceTotal) int {
		switch {
		case a.Fraction > b.Fraction:
			return -1
		case a.Fraction < b.Fraction:
			return 1
		default:
			return 0
		}
	})
	return rep, nil
}

// linearPercentile interpolates between the two closest ranks of sorted
// data at position p/100*(n-1).
func linearPercentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := p / 100 * float64(n-1)
	lo := int(math.Floor(pos))
	if lo >= n-1 {
		return sorted[n-1]
	}
	if lo < 0 {
		return sorted[0]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
