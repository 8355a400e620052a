package model

import (
	"fmt"

	"github.com/samcharles93/flexbert/internal/attention"
	"github.com/samcharles93/flexbert/internal/logger"
	"github.com/samcharles93/flexbert/internal/padding"
	"github.com/samcharles93/flexbert/internal/tensor"
)

// Options tune how a model runs, independently of its weights.
type Options struct {
	// Workers is the attention pool size. Zero picks a size from GOMAXPROCS.
	Workers int
	// Strategy overrides the attention strategy from the config when set.
	Strategy *attention.Strategy
	Logger   logger.Logger
}

// Model is a FlexBERT encoder with an optional sequence classification head.
type Model struct {
	Config     Config
	Embeddings *Embeddings
	Encoder    *Encoder
	Head       *Classifier

	pool *attention.Pool
	log  logger.Logger
}

// Batch is a padded batch of pre-tokenized inputs.
type Batch struct {
	InputIDs     [][]int
	TokenTypeIDs [][]int
	Mask         tensor.Mask
}

// NewBatch builds a batch. A nil attention mask marks every position valid.
func NewBatch(inputIDs, tokenTypeIDs, attentionMask [][]int) (Batch, error) {
	if len(inputIDs) == 0 {
		return Batch{}, fmt.Errorf("%w: empty batch", padding.ErrShapeMismatch)
	}
	if attentionMask == nil {
		attentionMask = make([][]int, len(inputIDs))
		for b, row := range inputIDs {
			attentionMask[b] = make([]int, len(row))
			for s := range attentionMask[b] {
				attentionMask[b][s] = 1
			}
		}
	}
	if len(attentionMask) != len(inputIDs) {
		return Batch{}, fmt.Errorf("%w: attention_mask has %d rows, input_ids has %d", padding.ErrShapeMismatch, len(attentionMask), len(inputIDs))
	}
	mask, err := tensor.MaskFromInts(attentionMask)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", padding.ErrShapeMismatch, err)
	}
	for b, row := range inputIDs {
		if len(row) != mask.SeqLen {
			return Batch{}, fmt.Errorf("%w: input_ids row %d has length %d, mask has %d", padding.ErrShapeMismatch, b, len(row), mask.SeqLen)
		}
	}
	return Batch{InputIDs: inputIDs, TokenTypeIDs: tokenTypeIDs, Mask: mask}, nil
}

// New allocates a model for cfg with zero projections and unit norms.
func New(cfg Config, opts Options) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	strategy := cfg.AttentionStrategy
	if opts.Strategy != nil {
		strategy = *opts.Strategy
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = attention.WorkersFor(cfg.NumAttentionHeads)
	}

	h, eps, bias := cfg.HiddenSize, cfg.NormEps(), cfg.Bias()
	newNorm := func() Norm {
		n, _ := NewNorm(cfg.Normalization, h, eps)
		return n
	}

	m := &Model{
		Config: cfg,
		Embeddings: &Embeddings{
			Tokens:     tensor.NewMat(cfg.VocabSize, h),
			TokenTypes: tensor.NewMat(cfg.TypeVocabSize, h),
			Norm:       newNorm(),
		},
		Encoder: &Encoder{FinalNorm: newNorm()},
		Head:    newClassifier(h, cfg.NumLabels),
		pool:    attention.NewPool(workers),
		log:     log,
	}
	m.Config.AttentionStrategy = strategy
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		attn, err := attention.NewSelfAttention(h, cfg.NumAttentionHeads, bias)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%w: layer %d: %v", ErrConfig, i, err)
		}
		attn.Strategy = strategy
		attn.Pool = m.pool
		m.Encoder.Layers = append(m.Encoder.Layers, &EncoderLayer{
			AttnNorm: newNorm(),
			Attn:     attn,
			MLPNorm:  newNorm(),
			MLP:      newMLP(cfg.MLPLayer, cfg.HiddenAct, h, cfg.IntermediateSize, bias),
		})
	}
	log.Debug("model allocated",
		"layers", cfg.NumHiddenLayers,
		"hidden", h,
		"heads", cfg.NumAttentionHeads,
		"norm", cfg.Normalization,
		"attention", strategy,
		"workers", m.pool.Size(),
	)
	return m, nil
}

// Output is the result of an encoder pass in both layouts.
type Output struct {
	// Packed holds valid tokens only, [TotalTokens, hidden].
	Packed *tensor.Tensor
	*padding.Bookkeeping
}

// Padded restores the [B, S, hidden] layout with zeros at masked positions.
func (o *Output) Padded() (*tensor.Tensor, error) {
	return padding.PadInput(o.Packed, o.Indices, o.Batch, o.SeqLen)
}

// Encode embeds the batch and runs the encoder, keeping the packed layout.
func (m *Model) Encode(batch Batch) (*Output, error) {
	bk, err := padding.ComputeBookkeeping(batch.Mask)
	if err != nil {
		return nil, err
	}
	hidden, err := m.Embeddings.Forward(batch.InputIDs, batch.TokenTypeIDs)
	if err != nil {
		return nil, err
	}
	packed, err := m.Encoder.PackedWith(hidden, batch.Mask, bk)
	if err != nil {
		return nil, err
	}
	return &Output{Packed: packed, Bookkeeping: bk}, nil
}

// Forward returns padded hidden states [B, S, hidden].
func (m *Model) Forward(batch Batch) (*tensor.Tensor, error) {
	out, err := m.Encode(batch)
	if err != nil {
		return nil, err
	}
	return out.Padded()
}

// Classify returns logits [B, NumLabels] from the first valid token of each
// sequence.
func (m *Model) Classify(batch Batch) (*tensor.Tensor, error) {
	out, err := m.Encode(batch)
	if err != nil {
		return nil, err
	}
	return m.Head.Forward(out)
}

// Close stops the attention workers.
func (m *Model) Close() {
	m.pool.Close()
}
