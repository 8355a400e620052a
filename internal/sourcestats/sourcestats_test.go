package sourcestats

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/flexbert/internal/logger"
)

func TestSimpleSplitter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want int
	}{
		{"", 1},
		{"hello", 1},
		{"hello world", 2},
		{"hello, world!", 3},
		{"  leading", 2},
		{"snake_case stays_one", 2},
		{"naïve café 42", 3},
	}
	for _, tc := range tests {
		if got := SimpleSplitter(tc.text); got != tc.want {
			t.Errorf("SimpleSplitter(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestSourceName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"books_0001":        "books",
		"common_crawl_0042": "common_crawl",
		"wiki":              "wiki",
		"_7":                "",
	}
	for in, want := range tests {
		if got := SourceName(in); got != want {
			t.Errorf("SourceName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLinearPercentile(t *testing.T) {
	t.Parallel()
	data := []float64{1, 2, 3, 4}
	tests := []struct {
		p, want float64
	}{
		{0, 1},
		{100, 4},
		{50, 2.5},
		{25, 1.75},
		{1, 1.03},
		{99, 3.97},
	}
	for _, tc := range tests {
		got := linearPercentile(data, tc.p)
		if diff := cmp.Diff(tc.want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
			t.Errorf("percentile %v (-want +got):\n%s", tc.p, diff)
		}
	}
	if got := linearPercentile([]float64{7}, 35); got != 7 {
		t.Errorf("single element percentile = %v", got)
	}
}

func TestDefaultPercentiles(t *testing.T) {
	t.Parallel()
	ps := DefaultPercentiles()
	if len(ps) != 23 || ps[0] != 1 || ps[1] != 99 || ps[2] != 0 || ps[22] != 100 {
		t.Fatalf("DefaultPercentiles() = %v", ps)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func docs(texts ...string) string {
	var b strings.Builder
	for _, text := range texts {
		b.WriteString(`{"text": "` + text + `", "id": "x"}` + "\n")
	}
	return b.String()
}

func makeDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "README.md"), "# dataset")
	writeFile(t, filepath.Join(dir, ".gitattributes"), "*.jsonl filter=lfs")
	// books: two shards, documents of 1, 2, 3 and 4 words.
	writeFile(t, filepath.Join(dir, "books_0000", "part-0.jsonl"), docs("one", "one two"))
	writeFile(t, filepath.Join(dir, "books_0001", "part-0.jsonl"), docs("a b c"))
	writeFile(t, filepath.Join(dir, "books_0001", "part-1.jsonl"), docs("w x y z"))
	// wiki_en: a single file shard with one 10 word document.
	writeFile(t, filepath.Join(dir, "wiki_en_0000.jsonl"), docs("a b c d e f g h i j"))
	return dir
}

func TestListShards(t *testing.T) {
	t.Parallel()
	dir := makeDataset(t)
	shards, err := ListShards(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names, sources []string
	for _, s := range shards {
		names = append(names, s.Name)
		sources = append(sources, s.Source)
	}
	if diff := cmp.Diff([]string{"books_0000", "books_0001", "wiki_en_0000"}, names); diff != "" {
		t.Fatalf("shard names (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"books", "books", "wiki_en"}, sources); diff != "" {
		t.Fatalf("sources (-want +got):\n%s", diff)
	}
	if len(shards[1].Files) != 2 {
		t.Fatalf("books_0001 files = %v", shards[1].Files)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()
	dir := makeDataset(t)
	ctx := logger.WithContext(context.Background(), logger.Discard())
	rep, err := Run(ctx, dir, Options{Workers: 2, Percentiles: []float64{0, 50, 100}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Equal fractions keep first-seen order.
	wantTotals := []SourceTotal{
		{Source: "books", NumTokens: 10, Shards: 2, Fraction: 0.5},
		{Source: "wiki_en", NumTokens: 10, Shards: 1, Fraction: 0.5},
	}
	if diff := cmp.Diff(wantTotals, rep.Totals); diff != "" {
		t.Fatalf("totals (-want +got):\n%s", diff)
	}

	books := rep.Sources[0]
	if books.Source != "books" || books.Documents != 4 {
		t.Fatalf("books stats = %+v", books)
	}
	if books.Mean != 2.5 {
		t.Fatalf("mean = %v, want 2.5", books.Mean)
	}
	// population std of {1,2,3,4}
	if diff := cmp.Diff(1.118033988749895, books.Std, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("std (-want +got):\n%s", diff)
	}
	want := Percentiles{{0, 1}, {50, 2.5}, {100, 4}}
	if diff := cmp.Diff(want, books.Percentiles); diff != "" {
		t.Fatalf("percentiles (-want +got):\n%s", diff)
	}

	var jsonl bytes.Buffer
	if err := WriteJSONL(&jsonl, rep); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(jsonl.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("jsonl lines = %q", lines)
	}
	if !strings.Contains(lines[0], `"books":`) || !strings.Contains(lines[0], `"percentiles":{"0":1,"50":2.5,"100":4}`) {
		t.Fatalf("unexpected jsonl line: %s", lines[0])
	}

	var csvOut bytes.Buffer
	if err := WriteCSV(&csvOut, rep); err != nil {
		t.Fatal(err)
	}
	wantCSV := "source,num_tokens,shards,fraction\nbooks,10,2,0.5\nwiki_en,10,1,0.5\n"
	if diff := cmp.Diff(wantCSV, csvOut.String()); diff != "" {
		t.Fatalf("csv (-want +got):\n%s", diff)
	}
}

func TestRunSortsByFraction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a_0.jsonl"), docs("x"))
	writeFile(t, filepath.Join(dir, "b_0.jsonl"), docs("x y z"))
	ctx := logger.WithContext(context.Background(), logger.Discard())
	rep, err := Run(ctx, dir, Options{Workers: 1})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Totals[0].Source != "b" || rep.Totals[0].Fraction != 0.75 {
		t.Fatalf("totals = %+v", rep.Totals)
	}
	if got := len(rep.Sources[0].Percentiles); got != 23 {
		t.Fatalf("default percentiles = %d", got)
	}
}

func TestRunErrors(t *testing.T) {
	t.Parallel()
	ctx := logger.WithContext(context.Background(), logger.Discard())
	if _, err := Run(ctx, t.TempDir(), Options{}); err == nil {
		t.Fatal("expected error for empty dataset")
	}

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad_0.jsonl"), `{"title": "no text"}`+"\n")
	if _, err := Run(ctx, dir, Options{}); err == nil || !strings.Contains(err.Error(), "missing text") {
		t.Fatalf("err = %v, want missing text", err)
	}
}

func TestPercentilesPath(t *testing.T) {
	t.Parallel()
	if got := PercentilesPath("out/source_stats.csv"); got != "out/source_stats.jsonl" {
		t.Fatalf("PercentilesPath = %q", got)
	}
	if got := PercentilesPath("stats"); got != "stats.jsonl" {
		t.Fatalf("PercentilesPath = %q", got)
	}
}

func TestCountReaderSkipsBOM(t *testing.T) {
	t.Parallel()
	got, err := CountReader(strings.NewReader("\xef\xbb\xbf"+docs("a b", "c")), SimpleSplitter)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 1}, got); diff != "" {
		t.Fatalf("counts (-want +got):\n%s", diff)
	}
}
