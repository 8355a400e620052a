package api

// EncodeRequest carries one padded batch of pre-tokenized sequences. Rows of
// input_ids must share a length; attention_mask and token_type_ids are
// optional and, when present, must match input_ids row for row.
type EncodeRequest struct {
	InputIDs      [][]int `json:"input_ids"`
	AttentionMask [][]int `json:"attention_mask,omitempty"`
	TokenTypeIDs  [][]int `json:"token_type_ids,omitempty"`
}

type EncodeResponse struct {
	ID           string        `json:"id"`
	Object       string        `json:"object"`
	Shape        []int         `json:"shape"`
	HiddenStates [][][]float32 `json:"hidden_states"`
	Tokens       int           `json:"tokens"`
}

type ClassifyResponse struct {
	ID          string      `json:"id"`
	Object      string      `json:"object"`
	Logits      [][]float32 `json:"logits"`
	Predictions []int       `json:"predictions"`
	Labels      []string    `json:"labels"`
}

type ModelResponse struct {
	Object            string            `json:"object"`
	ModelType         string            `json:"model_type"`
	VocabSize         int               `json:"vocab_size"`
	HiddenSize        int               `json:"hidden_size"`
	NumHiddenLayers   int               `json:"num_hidden_layers"`
	NumAttentionHeads int               `json:"num_attention_heads"`
	IntermediateSize  int               `json:"intermediate_size"`
	Normalization     string            `json:"normalization"`
	MLPLayer          string            `json:"mlp_layer"`
	HiddenAct         string            `json:"hidden_act"`
	AttentionStrategy string            `json:"attention_strategy"`
	NumLabels         int               `json:"num_labels"`
	ID2Label          map[string]string `json:"id2label,omitempty"`
	NumParams         int               `json:"num_params"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
