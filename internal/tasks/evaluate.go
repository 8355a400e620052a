package tasks

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/samcharles93/flexbert/internal/logger"
	"github.com/samcharles93/flexbert/internal/model"
	"github.com/samcharles93/flexbert/internal/tensor"
)

// Classifier produces logits [rows, labels] for a batch.
type Classifier interface {
	Classify(batch model.Batch) (*tensor.Tensor, error)
}

// Options control an evaluation run.
type Options struct {
	BatchSize int
	PadID     int
	// Limit stops after this many examples when positive.
	Limit int
}

// Result summarizes an evaluation run.
type Result struct {
	Task     Task          `json:"task"`
	Metric   string        `json:"metric"`
	Examples int           `json:"examples"`
	Correct  int           `json:"correct"`
	Accuracy float64       `json:"accuracy"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// ReadExamples decodes a JSONL dataset, one example per non-empty line. A
// leading byte order mark is honored.
func ReadExamples(r io.Reader, limit int) ([]Example, error) {
	var out []Example
	tr := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	sc := bufio.NewScanner(transform.NewReader(r, tr))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ex Example
		if err := json.Unmarshal(raw, &ex); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, ex)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate scores clf on the JSONL dataset in r and reports accuracy.
func Evaluate(ctx context.Context, clf Classifier, task Task, r io.Reader, opts Options) (Result, error) {
	log := logger.FromContext(ctx).With("task", task)
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	examples, err := ReadExamples(r, opts.Limit)
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	res := Result{Task: task, Metric: "MulticlassAccuracy"}
	for lo := 0; lo < len(examples); lo += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		hi := min(lo+opts.BatchSize, len(examples))
		preds, labels, err := predict(clf, task, examples[lo:hi], opts.PadID)
		if err != nil {
			return res, fmt.Errorf("examples %d-%d: %w", lo, hi-1, err)
		}
		for i := range preds {
			if preds[i] == labels[i] {
				res.Correct++
			}
		}
		res.Examples += len(preds)
		log.Debug("batch scored", "done", res.Examples, "total", len(examples))
	}
	if res.Examples > 0 {
		res.Accuracy = float64(res.Correct) / float64(res.Examples)
	}
	res.Elapsed = time.Since(start)
	log.Info("evaluation finished", "examples", res.Examples, "accuracy", res.Accuracy, "elapsed", res.Elapsed)
	return res, nil
}

func predict(clf Classifier, task Task, examples []Example, padID int) ([]int, []int, error) {
	if task.MultipleChoice() {
		choices := task.NumLabels()
		batch, labels, err := CollateMultipleChoice(examples, choices, padID)
		if err != nil {
			return nil, nil, err
		}
		logits, err := clf.Classify(batch)
		if err != nil {
			return nil, nil, err
		}
		scores, err := ReshapeChoiceLogits(logits, choices)
		if err != nil {
			return nil, nil, err
		}
		preds := make([]int, len(scores))
		for i, row := range scores {
			for c := range row {
				if row[c] > row[preds[i]] {
					preds[i] = c
				}
			}
		}
		return preds, labels, nil
	}

	batch, labels, err := Collate(examples, padID)
	if err != nil {
		return nil, nil, err
	}
	logits, err := clf.Classify(batch)
	if err != nil {
		return nil, nil, err
	}
	return model.Argmax(logits), labels, nil
}
