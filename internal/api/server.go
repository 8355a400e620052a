// Package api serves a FlexBERT model over HTTP: padded batches of token ids
// in, hidden states or classification logits out.
package api

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/flexbert/internal/logger"
	"github.com/samcharles93/flexbert/internal/model"
	"github.com/samcharles93/flexbert/internal/tensor"
)

type Server struct {
	model *model.Model
	log   logger.Logger
}

func NewServer(m *model.Model, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{model: m, log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/encode", s.handleEncode)
	e.POST("/v1/classify", s.handleClassify)
	e.GET("/v1/model", s.handleModel)
}

func (s *Server) handleEncode(c *echo.Context) error {
	batch, err := s.readBatch(c)
	if err != nil {
		return writeModelError(c, err)
	}
	hidden, err := s.model.Forward(batch)
	if err != nil {
		return writeModelError(c, err)
	}
	tokens := batch.Mask.Count()
	s.log.Debug("encoded batch", "batch", batch.Mask.Batch, "seq_len", batch.Mask.SeqLen, "tokens", tokens)
	return c.JSON(http.StatusOK, EncodeResponse{
		ID:           "enc_" + uuid.NewString(),
		Object:       "encoding",
		Shape:        hidden.Shape,
		HiddenStates: split3(hidden),
		Tokens:       tokens,
	})
}

func (s *Server) handleClassify(c *echo.Context) error {
	batch, err := s.readBatch(c)
	if err != nil {
		return writeModelError(c, err)
	}
	logits, err := s.model.Classify(batch)
	if err != nil {
		return writeModelError(c, err)
	}
	preds := model.Argmax(logits)
	labels := make([]string, len(preds))
	for i, p := range preds {
		labels[i] = s.model.Config.Label(p)
	}
	return c.JSON(http.StatusOK, ClassifyResponse{
		ID:          "cls_" + uuid.NewString(),
		Object:      "classification",
		Logits:      split2(logits),
		Predictions: preds,
		Labels:      labels,
	})
}

func (s *Server) handleModel(c *echo.Context) error {
	cfg := s.model.Config
	return c.JSON(http.StatusOK, ModelResponse{
		Object:            "model",
		ModelType:         cfg.ModelType,
		VocabSize:         cfg.VocabSize,
		HiddenSize:        cfg.HiddenSize,
		NumHiddenLayers:   cfg.NumHiddenLayers,
		NumAttentionHeads: cfg.NumAttentionHeads,
		IntermediateSize:  cfg.IntermediateSize,
		Normalization:     cfg.Normalization.String(),
		MLPLayer:          cfg.MLPLayer.String(),
		HiddenAct:         cfg.HiddenAct.String(),
		AttentionStrategy: cfg.AttentionStrategy.String(),
		NumLabels:         cfg.NumLabels,
		ID2Label:          cfg.ID2Label,
		NumParams:         s.model.NumParams(),
	})
}

func (s *Server) readBatch(c *echo.Context) (model.Batch, error) {
	req, err := decodeJSON[EncodeRequest](c.Request().Body)
	if err != nil {
		return model.Batch{}, newInvalidRequest("", "invalid JSON body: %v", err)
	}
	if err := validateRequest(req); err != nil {
		return model.Batch{}, err
	}
	if err := c.Request().Context().Err(); err != nil {
		return model.Batch{}, err
	}
	return model.NewBatch(req.InputIDs, req.TokenTypeIDs, req.AttentionMask)
}

func validateRequest(req EncodeRequest) error {
	if len(req.InputIDs) == 0 {
		return newInvalidRequest("input_ids", "input_ids must contain at least one sequence")
	}
	seqLen := len(req.InputIDs[0])
	for i, row := range req.InputIDs {
		if len(row) == 0 {
			return newInvalidRequest("input_ids", "input_ids[%d] is empty", i)
		}
		if len(row) != seqLen {
			return newInvalidRequest("input_ids", "input_ids[%d] has length %d, want %d", i, len(row), seqLen)
		}
	}
	if err := checkRows("attention_mask", req.AttentionMask, len(req.InputIDs), seqLen); err != nil {
		return err
	}
	return checkRows("token_type_ids", req.TokenTypeIDs, len(req.InputIDs), seqLen)
}

func checkRows(param string, rows [][]int, batch, seqLen int) error {
	if rows == nil {
		return nil
	}
	if len(rows) != batch {
		return newInvalidRequest(param, "%s has %d rows, input_ids has %d", param, len(rows), batch)
	}
	for i, row := range rows {
		if len(row) != seqLen {
			return newInvalidRequest(param, "%s[%d] has length %d, want %d", param, i, len(row), seqLen)
		}
	}
	return nil
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// split2 views a [R, C] tensor as rows without copying.
func split2(t *tensor.Tensor) [][]float32 {
	m := t.Mat()
	out := make([][]float32, m.R)
	for r := range out {
		out[r] = m.Row(r)
	}
	return out
}

// split3 views a [B, S, H] tensor as nested rows without copying.
func split3(t *tensor.Tensor) [][][]float32 {
	b, s, h := t.Shape[0], t.Shape[1], t.Shape[2]
	out := make([][][]float32, b)
	for i := range out {
		out[i] = make([][]float32, s)
		for j := range out[i] {
			off := (i*s + j) * h
			out[i][j] = t.Data[off : off+h : off+h]
		}
	}
	return out
}
