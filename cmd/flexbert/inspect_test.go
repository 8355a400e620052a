package main

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/flexbert/internal/logger"
	"github.com/samcharles93/flexbert/internal/model"
	"github.com/samcharles93/flexbert/internal/safetensors"
)

func TestCheckTensors(t *testing.T) {
	t.Parallel()

	cfg, err := configFromFlags(20, 8, 1, 2, 16, 2, "rmsnorm", "glu", "silu")
	if err != nil {
		t.Fatal(err)
	}
	m, err := model.NewRandom(cfg, 3, model.Options{Workers: 1, Logger: logger.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	dir := t.TempDir()
	if err := m.SaveDir(dir); err != nil {
		t.Fatal(err)
	}

	f, err := safetensors.Open(filepath.Join(dir, model.WeightsFile))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.Close() })
	if problems := checkTensors(f, m.Tensors()); len(problems) != 0 {
		t.Fatalf("saved model reported problems: %v", problems)
	}

	// A bare-encoder export: no "bert." prefix, no head, a misshapen final norm.
	w := safetensors.NewWriter()
	for _, ti := range m.Tensors() {
		if ti.Optional {
			continue
		}
		shape := ti.Shape
		if ti.Name == "bert.final_norm.weight" {
			shape = []int{4}
		}
		n := 1
		for _, d := range shape {
			n *= d
		}
		if err := w.Add(ti.Name[len("bert."):], make([]float32, n), shape...); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "encoder.safetensors")
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	g, err := safetensors.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = g.Close() })
	want := [][]string{{"bert.final_norm.weight", "[8]", "[4]"}}
	if diff := cmp.Diff(want, checkTensors(g, m.Tensors())); diff != "" {
		t.Fatalf("problems (-want +got):\n%s", diff)
	}
}
