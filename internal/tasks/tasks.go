// Package tasks evaluates sequence classifiers on GLUE and SuperGLUE style
// tasks, including multiple choice tasks such as SWAG.
package tasks

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Task is a known evaluation task.
type Task int

const (
	CoLA Task = iota
	SST2
	MRPC
	QQP
	MNLI
	QNLI
	RTE
	WNLI
	BoolQ
	CB
	WiC
	COPA
	SWAG
)

type taskInfo struct {
	name           string
	numLabels      int
	multipleChoice bool
}

var taskTable = map[Task]taskInfo{
	CoLA:  {"cola", 2, false},
	SST2:  {"sst2", 2, false},
	MRPC:  {"mrpc", 2, false},
	QQP:   {"qqp", 2, false},
	MNLI:  {"mnli", 3, false},
	QNLI:  {"qnli", 2, false},
	RTE:   {"rte", 2, false},
	WNLI:  {"wnli", 2, false},
	BoolQ: {"boolq", 2, false},
	CB:    {"cb", 3, false},
	WiC:   {"wic", 2, false},
	COPA:  {"copa", 2, true},
	SWAG:  {"swag", 4, true},
}

func (t Task) String() string {
	if info, ok := taskTable[t]; ok {
		return info.name
	}
	return fmt.Sprintf("Task(%d)", int(t))
}

// NumLabels is the number of classes, or of choices for multiple choice tasks.
func (t Task) NumLabels() int { return taskTable[t].numLabels }

// MultipleChoice reports whether each example carries one encoding per choice.
func (t Task) MultipleChoice() bool { return taskTable[t].multipleChoice }

// Names lists every task name in declaration order.
func Names() []string {
	ts := sortedTasks()
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = t.String()
	}
	return names
}

// Parse maps a task name such as "mnli" or "superglue_swag" to a Task.
func Parse(s string) (Task, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "superglue_")
	name = strings.TrimPrefix(name, "glue_")
	name = strings.ReplaceAll(name, "-", "")
	for t, info := range taskTable {
		if info.name == name {
			return t, nil
		}
	}
	if guess := closestTask(name); guess != "" {
		return 0, fmt.Errorf("unknown task %q, did you mean %q?", s, guess)
	}
	return 0, fmt.Errorf("unknown task %q (known: %s)", s, strings.Join(Names(), ", "))
}

// closestTask returns the task name within two edits of name, if any.
func closestTask(name string) string {
	best, score := "", math.MaxInt
	for _, t := range sortedTasks() {
		if d := levenshtein.ComputeDistance(name, taskTable[t].name); d < score {
			best, score = t.String(), d
		}
	}
	if score > 2 {
		return ""
	}
	return best
}

func (t Task) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Task) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Accuracy is the fraction of predictions equal to their label.
func Accuracy(preds, labels []int) (float64, error) {
	if len(preds) != len(labels) {
		return 0, fmt.Errorf("%d predictions for %d labels", len(preds), len(labels))
	}
	if len(preds) == 0 {
		return 0, nil
	}
	correct := 0
	for i := range preds {
		if preds[i] == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(preds)), nil
}

func sortedTasks() []Task {
	ts := make([]Task, 0, len(taskTable))
	for t := range taskTable {
		ts = append(ts, t)
	}
	slices.Sort(ts)
	return ts
}
