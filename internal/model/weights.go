package model

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/flexbert/internal/safetensors"
	"github.com/samcharles93/flexbert/internal/tensor"
)

const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"
)

type paramKind int

const (
	paramMatrix paramKind = iota
	paramBias
	paramNormWeight
	paramEmbedding
)

// param is one named checkpoint tensor bound to model storage.
type param struct {
	name     string
	data     []float32
	shape    []int
	kind     paramKind
	optional bool
}

func matParam(name string, m *tensor.Mat, kind paramKind) param {
	return param{name: name, data: m.Data, shape: []int{m.R, m.C}, kind: kind}
}

func vecParam(name string, v []float32, kind paramKind) param {
	return param{name: name, data: v, shape: []int{len(v)}, kind: kind}
}

func normParams(prefix string, n Norm) []param {
	w, b := n.Params()
	ps := []param{vecParam(prefix+".weight", w, paramNormWeight)}
	if b != nil {
		ps = append(ps, vecParam(prefix+".bias", b, paramBias))
	}
	return ps
}

func layerName(i int, suffix string) string {
	return fmt.Sprintf("bert.encoder.layers.%d.%s", i, suffix)
}

// params lists every tensor of m in checkpoint order. Slices alias model
// storage, so filling a param fills the model.
func (m *Model) params() []param {
	ps := []param{matParam("bert.embeddings.tok_embeddings.weight", &m.Embeddings.Tokens, paramEmbedding)}
	if m.Embeddings.TokenTypes.R > 0 {
		ps = append(ps, matParam("bert.embeddings.token_type_embeddings.weight", &m.Embeddings.TokenTypes, paramEmbedding))
	}
	ps = append(ps, normParams("bert.embeddings.norm", m.Embeddings.Norm)...)

	for i, l := range m.Encoder.Layers {
		ps = append(ps, normParams(layerName(i, "attn_norm"), l.AttnNorm)...)
		ps = append(ps, matParam(layerName(i, "attn.Wqkv.weight"), &l.Attn.Wqkv, paramMatrix))
		if l.Attn.Bqkv != nil {
			ps = append(ps, vecParam(layerName(i, "attn.Wqkv.bias"), l.Attn.Bqkv, paramBias))
		}
		ps = append(ps, matParam(layerName(i, "attn.Wo.weight"), &l.Attn.Wo, paramMatrix))
		if l.Attn.Bo != nil {
			ps = append(ps, vecParam(layerName(i, "attn.Wo.bias"), l.Attn.Bo, paramBias))
		}
		ps = append(ps, normParams(layerName(i, "mlp_norm"), l.MLPNorm)...)
		ps = append(ps, matParam(layerName(i, "mlp.Wi.weight"), &l.MLP.Wi, paramMatrix))
		if l.MLP.Bi != nil {
			ps = append(ps, vecParam(layerName(i, "mlp.Wi.bias"), l.MLP.Bi, paramBias))
		}
		ps = append(ps, matParam(layerName(i, "mlp.Wo.weight"), &l.MLP.Wo, paramMatrix))
		if l.MLP.Bo != nil {
			ps = append(ps, vecParam(layerName(i, "mlp.Wo.bias"), l.MLP.Bo, paramBias))
		}
	}
	ps = append(ps, normParams("bert.final_norm", m.Encoder.FinalNorm)...)

	head := []param{
		matParam("head.dense.weight", &m.Head.Dense, paramMatrix),
		vecParam("head.dense.bias", m.Head.DenseB, paramBias),
		matParam("classifier.weight", &m.Head.Out, paramMatrix),
		vecParam("classifier.bias", m.Head.OutB, paramBias),
	}
	for i := range head {
		head[i].optional = true
	}
	return append(ps, head...)
}

// tensorSource is what the loader needs from a checkpoint.
type tensorSource interface {
	ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error)
	Tensor(name string) (safetensors.TensorInfo, bool)
}

// nameCandidates lists the names a tensor may be stored under. Exports of
// the bare encoder drop the "bert." prefix.
func nameCandidates(name string) []string {
	const prefix = "bert."
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return []string{name, name[len(prefix):]}
	}
	return []string{name}
}

var errTensorMissing = errors.New("tensor missing")

func loadParam(src tensorSource, p param) error {
	for _, name := range nameCandidates(p.name) {
		if _, ok := src.Tensor(name); !ok {
			continue
		}
		data, info, err := src.ReadTensorF32(name)
		if err != nil {
			return err
		}
		if !slices.Equal(info.Shape, p.shape) {
			return fmt.Errorf("tensor %s: shape %v, want %v", name, info.Shape, p.shape)
		}
		copy(p.data, data)
		return nil
	}
	return fmt.Errorf("%w: %s", errTensorMissing, p.name)
}

// LoadWeights fills m from src. Missing classifier tensors leave the head at
// zero and are reported through the logger; any other missing tensor fails.
func (m *Model) LoadWeights(src tensorSource) error {
	var skipped []string
	for _, p := range m.params() {
		err := loadParam(src, p)
		if err == nil {
			continue
		}
		if p.optional && errors.Is(err, errTensorMissing) {
			skipped = append(skipped, p.name)
			continue
		}
		return err
	}
	if len(skipped) > 0 {
		m.log.Warn("classifier head not in checkpoint, logits will be zero", "missing", skipped)
	}
	return nil
}

// Load reads config.json and model.safetensors from dir.
func Load(dir string, opts Options) (*Model, error) {
	cfg, err := LoadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	m, err := New(cfg, opts)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, WeightsFile)
	f, err := safetensors.Open(path)
	if err != nil {
		m.Close()
		return nil, err
	}
	defer func() { _ = f.Close() }()
	if err := m.LoadWeights(f); err != nil {
		m.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.log.Info("model loaded", "dir", dir, "tensors", len(f.Tensors), "params", m.NumParams())
	return m, nil
}

// Save writes the model weights to path as F32 safetensors.
func (m *Model) Save(path string) error {
	w := safetensors.NewWriter()
	w.SetMetadata("format", "pt")
	for _, p := range m.params() {
		if err := w.Add(p.name, p.data, p.shape...); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

// SaveDir writes config.json and model.safetensors into dir.
func (m *Model) SaveDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(m.Config, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), append(raw, '\n'), 0o644); err != nil {
		return err
	}
	return m.Save(filepath.Join(dir, WeightsFile))
}

// NumParams counts the scalar parameters of the model.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.params() {
		n += len(p.data)
	}
	return n
}

// TensorInfo describes one named model tensor.
type TensorInfo struct {
	Name  string
	Shape []int
	// Optional tensors belong to the classification head.
	Optional bool
}

// Tensors lists the model's tensors in checkpoint order.
func (m *Model) Tensors() []TensorInfo {
	ps := m.params()
	out := make([]TensorInfo, len(ps))
	for i, p := range ps {
		out[i] = TensorInfo{Name: p.name, Shape: slices.Clone(p.shape), Optional: p.optional}
	}
	return out
}

// NewRandom builds a model with deterministic pseudo-random weights. Norm
// weights stay at one; every other tensor is uniform in +-1/sqrt(fan-in).
func NewRandom(cfg Config, seed int64, opts Options) (*Model, error) {
	m, err := New(cfg, opts)
	if err != nil {
		return nil, err
	}
	for i, p := range m.params() {
		if p.kind == paramNormWeight {
			continue
		}
		fanIn := p.shape[len(p.shape)-1]
		scale := float32(2 / math.Sqrt(float64(fanIn)))
		if p.kind == paramEmbedding {
			scale = 2
		}
		tensor.FillRandSlice(p.data, seed+int64(i)*7919, scale)
	}
	return m, nil
}
