package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/flexbert/internal/logger"
	"github.com/samcharles93/flexbert/internal/model"
	"github.com/samcharles93/flexbert/internal/tensor"
)

func TestParseTask(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		want   Task
		labels int
		mc     bool
	}{
		{"mnli", MNLI, 3, false},
		{"SST-2", SST2, 2, false},
		{"superglue_swag", SWAG, 4, true},
		{"glue_cola", CoLA, 2, false},
		{"copa", COPA, 2, true},
	}
	for _, tc := range tests {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want || got.NumLabels() != tc.labels || got.MultipleChoice() != tc.mc {
			t.Errorf("Parse(%q) = %v (%d labels, mc=%v)", tc.in, got, got.NumLabels(), got.MultipleChoice())
		}
	}
	if _, err := Parse("imagenet"); err == nil || !strings.Contains(err.Error(), "known:") {
		t.Fatalf("unknown task: got %v", err)
	}
	if _, err := Parse("bolq"); err == nil || !strings.Contains(err.Error(), `did you mean "boolq"`) {
		t.Fatalf("misspelled task: got %v", err)
	}
	if names := Names(); names[0] != "cola" || names[len(names)-1] != "swag" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestAccuracy(t *testing.T) {
	t.Parallel()
	acc, err := Accuracy([]int{0, 1, 2, 1}, []int{0, 1, 1, 1})
	if err != nil {
		t.Fatal(err)
	}
	if acc != 0.75 {
		t.Fatalf("accuracy = %v, want 0.75", acc)
	}
	if _, err := Accuracy([]int{1}, nil); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestExampleUnmarshal(t *testing.T) {
	t.Parallel()
	exs, err := ReadExamples(strings.NewReader(
		`{"input_ids": [1, 2, 3], "token_type_ids": [0, 0, 1], "label": 1}`+"\n\n"+
			`{"input_ids": [[1, 2], [3, 4, 5]], "attention_mask": [[1, 1], [1, 1, 0]], "label": 0}`+"\n",
	), 0)
	if err != nil {
		t.Fatalf("ReadExamples: %v", err)
	}
	want := []Example{
		{Choices: []Encoding{{InputIDs: []int{1, 2, 3}, TokenTypeIDs: []int{0, 0, 1}}}, Label: 1},
		{Choices: []Encoding{
			{InputIDs: []int{1, 2}, AttentionMask: []int{1, 1}},
			{InputIDs: []int{3, 4, 5}, AttentionMask: []int{1, 1, 0}},
		}, Label: 0},
	}
	if diff := cmp.Diff(want, exs); diff != "" {
		t.Fatalf("examples (-want +got):\n%s", diff)
	}

	if _, err := ReadExamples(strings.NewReader(`{"label": 1}`), 0); !errors.Is(err, ErrBadExample) {
		t.Fatalf("err = %v, want ErrBadExample", err)
	}
}

func TestCollatePadsAndMasks(t *testing.T) {
	t.Parallel()
	batch, labels, err := Collate([]Example{
		{Choices: []Encoding{{InputIDs: []int{5, 6, 7}}}, Label: 1},
		{Choices: []Encoding{{InputIDs: []int{8}, TokenTypeIDs: []int{1}}}, Label: 0},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]int{{5, 6, 7}, {8, 0, 0}}, batch.InputIDs); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int{{0, 0, 0}, {1, 0, 0}}, batch.TokenTypeIDs); diff != "" {
		t.Fatalf("types (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{true, true, true, true, false, false}, batch.Mask.Data); diff != "" {
		t.Fatalf("mask (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 0}, labels); diff != "" {
		t.Fatalf("labels (-want +got):\n%s", diff)
	}
}

func TestCollateMultipleChoice(t *testing.T) {
	t.Parallel()
	exs := []Example{
		{Choices: []Encoding{{InputIDs: []int{1}}, {InputIDs: []int{2, 3}}}, Label: 1},
		{Choices: []Encoding{{InputIDs: []int{4, 5, 6}}, {InputIDs: []int{7}}}, Label: 0},
	}
	batch, labels, err := CollateMultipleChoice(exs, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]int{{1, 0, 0}, {2, 3, 0}, {4, 5, 6}, {7, 0, 0}}, batch.InputIDs); diff != "" {
		t.Fatalf("flattened ids (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 0}, labels); diff != "" {
		t.Fatalf("labels (-want +got):\n%s", diff)
	}

	if _, _, err := CollateMultipleChoice(exs, 3, 0); !errors.Is(err, ErrBadExample) {
		t.Fatalf("choice count mismatch: err = %v", err)
	}
	bad := []Example{{Choices: []Encoding{{InputIDs: []int{1}}, {InputIDs: []int{2}}}, Label: 2}}
	if _, _, err := CollateMultipleChoice(bad, 2, 0); !errors.Is(err, ErrBadExample) {
		t.Fatalf("label out of range: err = %v", err)
	}
}

func TestReshapeChoiceLogits(t *testing.T) {
	t.Parallel()
	logits, err := tensor.FromData([]float32{
		0.1, 9,
		0.7, 9,
		0.3, 9,
		0.2, 9,
	}, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReshapeChoiceLogits(logits, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]float32{{0.1, 0.7}, {0.3, 0.2}}, got); diff != "" {
		t.Fatalf("scores (-want +got):\n%s", diff)
	}
	if _, err := ReshapeChoiceLogits(logits, 3); err == nil {
		t.Fatal("expected error when rows do not divide into choices")
	}
}

// firstTokenClassifier predicts the first token id modulo the label count,
// so expected accuracy can be read straight off the dataset.
type firstTokenClassifier struct{ labels int }

func (c firstTokenClassifier) Classify(b model.Batch) (*tensor.Tensor, error) {
	out := tensor.New(len(b.InputIDs), c.labels)
	for i, row := range b.InputIDs {
		out.Set(1, i, row[0]%c.labels)
	}
	return out, nil
}

func TestEvaluateSingleSequence(t *testing.T) {
	t.Parallel()
	data := strings.Join([]string{
		`{"input_ids": [3, 1], "label": 0}`,
		`{"input_ids": [4], "label": 1}`,
		`{"input_ids": [5, 5, 5], "label": 2}`,
		`{"input_ids": [7], "label": 1}`,
		`{"input_ids": [2], "label": 2}`,
	}, "\n")
	ctx := logger.WithContext(context.Background(), logger.Discard())
	res, err := Evaluate(ctx, firstTokenClassifier{labels: 3}, MNLI, strings.NewReader(data), Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// predictions are 0, 1, 2, 1, 2, matching every label.
	if res.Examples != 5 || res.Correct != 5 || res.Accuracy != 1 {
		t.Fatalf("result = %+v", res)
	}

	res, err = Evaluate(ctx, firstTokenClassifier{labels: 3}, MNLI, strings.NewReader(data), Options{BatchSize: 4, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Examples != 2 {
		t.Fatalf("limit ignored: %+v", res)
	}
}

func TestEvaluateMultipleChoice(t *testing.T) {
	t.Parallel()
	// Choice score is the first logit, which is 1 when the first token id is
	// even. The last example puts the even token on a wrong choice.
	data := strings.Join([]string{
		`{"input_ids": [[1, 9], [3], [4, 4], [5]], "label": 2}`,
		`{"input_ids": [[6], [3], [5], [7]], "label": 0}`,
		`{"input_ids": [[1], [3], [5], [8]], "label": 1}`,
	}, "\n")
	ctx := logger.WithContext(context.Background(), logger.Discard())
	res, err := Evaluate(ctx, firstTokenClassifier{labels: 2}, SWAG, strings.NewReader(data), Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Examples != 3 || res.Correct != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestEvaluateCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), logger.Discard()))
	cancel()
	_, err := Evaluate(ctx, firstTokenClassifier{labels: 2}, SST2, strings.NewReader(`{"input_ids": [1], "label": 1}`), Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
