package model

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/flexbert/internal/attention"
	"github.com/samcharles93/flexbert/internal/tensor"
)

// ErrConfig wraps every configuration validation failure.
var ErrConfig = errors.New("model: invalid config")

// NormKind selects the normalization layer used throughout the encoder.
type NormKind int

const (
	NormLayerNorm NormKind = iota
	NormRMSNorm
)

var normNames = map[NormKind]string{
	NormLayerNorm: "layernorm",
	NormRMSNorm:   "rmsnorm",
}

func (k NormKind) String() string {
	if s, ok := normNames[k]; ok {
		return s
	}
	return fmt.Sprintf("NormKind(%d)", int(k))
}

// ParseNormKind accepts "layernorm" and "rmsnorm" (case-insensitive).
func ParseNormKind(s string) (NormKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "layernorm":
		return NormLayerNorm, nil
	case "rmsnorm":
		return NormRMSNorm, nil
	default:
		return 0, fmt.Errorf("%w: invalid normalization layer type %q, must be one of [layernorm rmsnorm]", ErrConfig, s)
	}
}

func (k NormKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *NormKind) UnmarshalText(text []byte) error {
	v, err := ParseNormKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Activation is the hidden activation of the feed-forward block.
type Activation int

const (
	ActGELU Activation = iota
	ActSiLU
)

func (a Activation) String() string {
	switch a {
	case ActGELU:
		return "gelu"
	case ActSiLU:
		return "silu"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

func (a Activation) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Activation) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "gelu":
		*a = ActGELU
	case "silu", "swish":
		*a = ActSiLU
	default:
		return fmt.Errorf("%w: unsupported hidden_act %q", ErrConfig, text)
	}
	return nil
}

func (a Activation) apply(x float32) float32 {
	if a == ActSiLU {
		return tensor.Silu(x)
	}
	return tensor.Gelu(x)
}

// MLPKind selects a plain two-layer MLP or a gated linear unit.
type MLPKind int

const (
	MLPDense MLPKind = iota
	MLPGLU
)

func (m MLPKind) String() string {
	switch m {
	case MLPDense:
		return "mlp"
	case MLPGLU:
		return "glu"
	default:
		return fmt.Sprintf("MLPKind(%d)", int(m))
	}
}

func (m MLPKind) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *MLPKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "mlp":
		*m = MLPDense
	case "glu":
		*m = MLPGLU
	default:
		return fmt.Errorf("%w: unsupported mlp_layer %q", ErrConfig, text)
	}
	return nil
}

// NormKwargs carries optional normalization arguments.
type NormKwargs struct {
	Eps *float64 `json:"eps,omitempty"`
}

// Config is the FlexBERT model configuration as stored in config.json.
type Config struct {
	ModelType         string             `json:"model_type"`
	VocabSize         int                `json:"vocab_size"`
	HiddenSize        int                `json:"hidden_size"`
	NumHiddenLayers   int                `json:"num_hidden_layers"`
	NumAttentionHeads int                `json:"num_attention_heads"`
	IntermediateSize  int                `json:"intermediate_size"`
	TypeVocabSize     int                `json:"type_vocab_size"`
	Normalization     NormKind           `json:"normalization"`
	NormKwargs        NormKwargs         `json:"norm_kwargs"`
	HiddenAct         Activation         `json:"hidden_act"`
	MLPLayer          MLPKind            `json:"mlp_layer"`
	AttentionStrategy attention.Strategy `json:"attention_strategy"`
	UseBias           *bool              `json:"use_bias,omitempty"`
	NumLabels         int                `json:"num_labels"`
	ID2Label          map[string]string  `json:"id2label,omitempty"`
	PadTokenID        int                `json:"pad_token_id"`
}

// ParseConfig decodes config.json bytes, applies defaults and validates.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		if errors.Is(err, ErrConfig) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a config.json file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills fields that config.json may omit.
func (c *Config) ApplyDefaults() {
	if c.ModelType == "" {
		c.ModelType = "flex_bert"
	}
	if c.NumLabels == 0 {
		c.NumLabels = 2
	}
	if c.UseBias == nil {
		b := true
		c.UseBias = &b
	}
}

// Bias reports whether projection layers carry bias vectors.
func (c Config) Bias() bool {
	return c.UseBias == nil || *c.UseBias
}

// NormEps returns the configured epsilon or the default for the norm kind.
func (c Config) NormEps() float32 {
	if c.NormKwargs.Eps != nil {
		return float32(*c.NormKwargs.Eps)
	}
	if c.Normalization == NormRMSNorm {
		return 1e-6
	}
	return 1e-5
}

// HeadDim is HiddenSize / NumAttentionHeads.
func (c Config) HeadDim() int {
	if c.NumAttentionHeads == 0 {
		return 0
	}
	return c.HiddenSize / c.NumAttentionHeads
}

// Validate rejects configurations the encoder cannot be built from.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"vocab_size", c.VocabSize},
		{"hidden_size", c.HiddenSize},
		{"num_hidden_layers", c.NumHiddenLayers},
		{"num_attention_heads", c.NumAttentionHeads},
		{"intermediate_size", c.IntermediateSize},
		{"num_labels", c.NumLabels},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfig, p.name, p.v)
		}
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return fmt.Errorf("%w: hidden_size %d not divisible by num_attention_heads %d", ErrConfig, c.HiddenSize, c.NumAttentionHeads)
	}
	if c.TypeVocabSize < 0 {
		return fmt.Errorf("%w: type_vocab_size must not be negative", ErrConfig)
	}
	if _, ok := normNames[c.Normalization]; !ok {
		return fmt.Errorf("%w: invalid normalization %v", ErrConfig, c.Normalization)
	}
	if c.NormKwargs.Eps != nil && *c.NormKwargs.Eps <= 0 {
		return fmt.Errorf("%w: norm_kwargs.eps must be positive", ErrConfig)
	}
	if c.PadTokenID < 0 || c.PadTokenID >= c.VocabSize {
		return fmt.Errorf("%w: pad_token_id %d outside vocabulary", ErrConfig, c.PadTokenID)
	}
	return nil
}

// Label returns the id2label name for class i, or its decimal form.
func (c Config) Label(i int) string {
	if name, ok := c.ID2Label[fmt.Sprint(i)]; ok {
		return name
	}
	return fmt.Sprint(i)
}
