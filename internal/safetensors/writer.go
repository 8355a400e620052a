package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
)

// Writer collects float32 tensors and writes them as one F32 safetensors file.
type Writer struct {
	names    []string
	shapes   map[string][]int
	data     map[string][]float32
	metadata map[string]string
}

func NewWriter() *Writer {
	return &Writer{
		shapes: make(map[string][]int),
		data:   make(map[string][]float32),
	}
}

// SetMetadata records a free-form __metadata__ entry.
func (w *Writer) SetMetadata(key, value string) {
	if w.metadata == nil {
		w.metadata = make(map[string]string)
	}
	w.metadata[key] = value
}

// Add stores values under name. len(values) must match shape.
func (w *Writer) Add(name string, values []float32, shape ...int) error {
	n, err := numElements(shape)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	if n != len(values) {
		return fmt.Errorf("tensor %s: %d values for shape %v", name, len(values), shape)
	}
	if _, dup := w.data[name]; dup {
		return fmt.Errorf("tensor %s added twice", name)
	}
	w.names = append(w.names, name)
	w.shapes[name] = slices.Clone(shape)
	w.data[name] = values
	return nil
}

// WriteFile writes the collected tensors to path in name order.
func (w *Writer) WriteFile(path string) error {
	names := slices.Clone(w.names)
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(w.metadata) > 0 {
		header["__metadata__"] = w.metadata
	}
	var off int64
	for _, name := range names {
		size := int64(len(w.data[name])) * 4
		header[name] = tensorHeader{
			DType:       "F32",
			Shape:       w.shapes[name],
			DataOffsets: []int64{off, off + size},
		}
		off += size
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// The data section starts on an 8-byte boundary.
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	_, _ = bw.Write(lenBuf[:])
	_, _ = bw.Write(hdr)
	var word [4]byte
	for _, name := range names {
		for _, v := range w.data[name] {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
			_, _ = bw.Write(word[:])
		}
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
