package tasks

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/flexbert/internal/model"
	"github.com/samcharles93/flexbert/internal/tensor"
)

// ErrBadExample reports a dataset line that cannot be collated.
var ErrBadExample = errors.New("tasks: bad example")

// Encoding is one pre-tokenized input sequence.
type Encoding struct {
	InputIDs      []int `json:"input_ids"`
	TokenTypeIDs  []int `json:"token_type_ids,omitempty"`
	AttentionMask []int `json:"attention_mask,omitempty"`
}

// Example is one labelled dataset item. Single sequence tasks have one
// choice; multiple choice tasks have one encoding per candidate answer.
type Example struct {
	Choices []Encoding
	Label   int
}

type wireSingle struct {
	InputIDs      []int `json:"input_ids"`
	TokenTypeIDs  []int `json:"token_type_ids"`
	AttentionMask []int `json:"attention_mask"`
	Label         int   `json:"label"`
}

type wireChoices struct {
	InputIDs      [][]int `json:"input_ids"`
	TokenTypeIDs  [][]int `json:"token_type_ids"`
	AttentionMask [][]int `json:"attention_mask"`
	Label         int     `json:"label"`
}

// UnmarshalJSON accepts "input_ids" as either a flat id list or a list of
// per-choice id lists.
func (e *Example) UnmarshalJSON(data []byte) error {
	var probe struct {
		InputIDs json.RawMessage `json:"input_ids"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	ids := bytes.TrimSpace(probe.InputIDs)
	if len(ids) == 0 {
		return fmt.Errorf("%w: missing input_ids", ErrBadExample)
	}
	if nested := bytes.TrimSpace(bytes.TrimPrefix(ids, []byte("["))); len(nested) > 0 && nested[0] == '[' {
		var w wireChoices
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		e.Label = w.Label
		e.Choices = make([]Encoding, len(w.InputIDs))
		for i := range w.InputIDs {
			e.Choices[i].InputIDs = w.InputIDs[i]
			if i < len(w.TokenTypeIDs) {
				e.Choices[i].TokenTypeIDs = w.TokenTypeIDs[i]
			}
			if i < len(w.AttentionMask) {
				e.Choices[i].AttentionMask = w.AttentionMask[i]
			}
		}
		return nil
	}
	var w wireSingle
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Label = w.Label
	e.Choices = []Encoding{{InputIDs: w.InputIDs, TokenTypeIDs: w.TokenTypeIDs, AttentionMask: w.AttentionMask}}
	return nil
}

// Collate pads single sequence examples into one batch.
func Collate(examples []Example, padID int) (model.Batch, []int, error) {
	encs := make([]Encoding, 0, len(examples))
	labels := make([]int, len(examples))
	for i, ex := range examples {
		if len(ex.Choices) != 1 {
			return model.Batch{}, nil, fmt.Errorf("%w: example %d has %d sequences, want 1", ErrBadExample, i, len(ex.Choices))
		}
		encs = append(encs, ex.Choices[0])
		labels[i] = ex.Label
	}
	batch, err := padEncodings(encs, padID)
	return batch, labels, err
}

// CollateMultipleChoice flattens [batch][choices] encodings into
// batch*choices rows, choice-major within each example.
func CollateMultipleChoice(examples []Example, choices, padID int) (model.Batch, []int, error) {
	encs := make([]Encoding, 0, len(examples)*choices)
	labels := make([]int, len(examples))
	for i, ex := range examples {
		if len(ex.Choices) != choices {
			return model.Batch{}, nil, fmt.Errorf("%w: example %d has %d choices, want %d", ErrBadExample, i, len(ex.Choices), choices)
		}
		if ex.Label < 0 || ex.Label >= choices {
			return model.Batch{}, nil, fmt.Errorf("%w: example %d label %d outside %d choices", ErrBadExample, i, ex.Label, choices)
		}
		encs = append(encs, ex.Choices...)
		labels[i] = ex.Label
	}
	batch, err := padEncodings(encs, padID)
	return batch, labels, err
}

// ReshapeChoiceLogits regroups [batch*choices, labels] logits into
// [batch][choices] scores. The first logit of each row scores its choice.
func ReshapeChoiceLogits(logits *tensor.Tensor, choices int) ([][]float32, error) {
	if logits.Rank() != 2 || choices <= 0 || logits.Shape[0]%choices != 0 {
		return nil, fmt.Errorf("%w: logits %v cannot split into %d choices", ErrBadExample, logits.Shape, choices)
	}
	m := logits.Mat()
	out := make([][]float32, m.R/choices)
	for b := range out {
		out[b] = make([]float32, choices)
		for c := 0; c < choices; c++ {
			out[b][c] = m.Row(b*choices + c)[0]
		}
	}
	return out, nil
}

func padEncodings(encs []Encoding, padID int) (model.Batch, error) {
	if len(encs) == 0 {
		return model.Batch{}, fmt.Errorf("%w: empty batch", ErrBadExample)
	}
	seqLen := 0
	for _, e := range encs {
		seqLen = max(seqLen, len(e.InputIDs))
	}
	ids := make([][]int, len(encs))
	types := make([][]int, len(encs))
	mask := make([][]int, len(encs))
	for i, e := range encs {
		n := len(e.InputIDs)
		if e.TokenTypeIDs != nil && len(e.TokenTypeIDs) != n {
			return model.Batch{}, fmt.Errorf("%w: row %d token_type_ids length %d, input_ids %d", ErrBadExample, i, len(e.TokenTypeIDs), n)
		}
		if e.AttentionMask != nil && len(e.AttentionMask) != n {
			return model.Batch{}, fmt.Errorf("%w: row %d attention_mask length %d, input_ids %d", ErrBadExample, i, len(e.AttentionMask), n)
		}
		ids[i] = make([]int, seqLen)
		types[i] = make([]int, seqLen)
		mask[i] = make([]int, seqLen)
		for s := 0; s < seqLen; s++ {
			if s >= n {
				ids[i][s] = padID
				continue
			}
			ids[i][s] = e.InputIDs[s]
			if e.TokenTypeIDs != nil {
				types[i][s] = e.TokenTypeIDs[s]
			}
			mask[i][s] = 1
			if e.AttentionMask != nil {
				mask[i][s] = e.AttentionMask[s]
			}
		}
	}
	return model.NewBatch(ids, types, mask)
}
