package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/flexbert/internal/logger"
	"github.com/samcharles93/flexbert/internal/model"
)

func newTestModel(t *testing.T) *model.Model {
	t.Helper()
	cfg := model.Config{
		VocabSize:         16,
		HiddenSize:        8,
		NumHiddenLayers:   1,
		NumAttentionHeads: 2,
		IntermediateSize:  16,
		TypeVocabSize:     2,
		NumLabels:         2,
		ID2Label:          map[string]string{"0": "negative", "1": "positive"},
	}
	cfg.ApplyDefaults()
	m, err := model.NewRandom(cfg, 7, model.Options{Workers: 2, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func newTestEcho(t *testing.T) (*echo.Echo, *model.Model) {
	t.Helper()
	m := newTestModel(t)
	e := echo.New()
	NewServer(m, logger.Discard()).Register(e)
	return e, m
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestEncodeMatchesModelForward(t *testing.T) {
	t.Parallel()

	e, m := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/encode",
		`{"input_ids": [[1, 2, 3], [4, 5, 0]], "attention_mask": [[1, 1, 1], [1, 1, 0]]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp EncodeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "enc_") {
		t.Fatalf("id: got %q", resp.ID)
	}
	if diff := cmp.Diff([]int{2, 3, 8}, resp.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	if resp.Tokens != 5 {
		t.Fatalf("tokens: got %d, want 5", resp.Tokens)
	}

	batch, err := model.NewBatch([][]int{{1, 2, 3}, {4, 5, 0}}, nil, [][]int{{1, 1, 1}, {1, 1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	want, err := m.Forward(batch)
	if err != nil {
		t.Fatal(err)
	}
	var got []float32
	for _, seq := range resp.HiddenStates {
		for _, row := range seq {
			got = append(got, row...)
		}
	}
	if diff := cmp.Diff(want.Data, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Fatalf("hidden states (-want +got):\n%s", diff)
	}
	for _, v := range resp.HiddenStates[1][2] {
		if v != 0 {
			t.Fatalf("masked position not zero: %v", resp.HiddenStates[1][2])
		}
	}
}

func TestClassifyReturnsLabels(t *testing.T) {
	t.Parallel()

	e, m := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/classify", `{"input_ids": [[3, 4], [7, 8]], "token_type_ids": [[0, 1], [0, 0]]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp ClassifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "cls_") || len(resp.Logits) != 2 || len(resp.Logits[0]) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	for i, p := range resp.Predictions {
		if want := m.Config.Label(p); resp.Labels[i] != want {
			t.Fatalf("label %d: got %q, want %q", i, resp.Labels[i], want)
		}
		if resp.Logits[i][p] < resp.Logits[i][1-p] {
			t.Fatalf("prediction %d is not the argmax of %v", p, resp.Logits[i])
		}
	}
}

func TestModelInfo(t *testing.T) {
	t.Parallel()

	e, m := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp ModelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ModelType != "flex_bert" || resp.Normalization != "layernorm" || resp.AttentionStrategy != "varlen" {
		t.Fatalf("unexpected model info: %+v", resp)
	}
	if resp.NumParams != m.NumParams() {
		t.Fatalf("num_params: got %d, want %d", resp.NumParams, m.NumParams())
	}
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	tests := []struct {
		name  string
		path  string
		body  string
		param string
	}{
		{"bad json", "/v1/encode", `{"input_ids":`, ""},
		{"no sequences", "/v1/encode", `{"input_ids": []}`, "input_ids"},
		{"empty row", "/v1/encode", `{"input_ids": [[1], []]}`, "input_ids"},
		{"ragged", "/v1/classify", `{"input_ids": [[1, 2], [3]]}`, "input_ids"},
		{"mask rows", "/v1/encode", `{"input_ids": [[1, 2]], "attention_mask": [[1, 1], [1, 1]]}`, "attention_mask"},
		{"type length", "/v1/encode", `{"input_ids": [[1, 2]], "token_type_ids": [[0]]}`, "token_type_ids"},
		{"out of vocab", "/v1/encode", `{"input_ids": [[1, 99]]}`, ""},
		{"fully masked", "/v1/classify", `{"input_ids": [[1, 2]], "attention_mask": [[0, 0]]}`, ""},
	}
	for _, tc := range tests {
		rec := doJSON(t, e, http.MethodPost, tc.path, tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status got %d body=%s", tc.name, rec.Code, rec.Body.String())
		}
		var body struct {
			Error ResponseError `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if body.Error.Type != "invalid_request_error" || body.Error.Message == "" {
			t.Fatalf("%s: unexpected error body %+v", tc.name, body.Error)
		}
		if body.Error.Param != tc.param {
			t.Fatalf("%s: param got %q, want %q", tc.name, body.Error.Param, tc.param)
		}
	}
}
