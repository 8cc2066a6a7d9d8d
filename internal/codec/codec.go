// Package codec converts token sequences to and from KServe v2 typed-tensor payloads.
package codec

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

// DefaultMaxNewTokens is the generation length used when the caller does not choose one
const DefaultMaxNewTokens = 50

// Warning codes attached to a successful decode
const (
	WarnSequenceLengthMismatch = "sequence_length_mismatch"
	WarnSequenceLengthShape    = "sequence_length_malformed"
)

// Encode builds the three-tensor request for a single sequence.
// An empty sequence is legal and yields input_ids with shape [1, 0].
// maxNewTokens is clamped to [0, math.MaxInt32] since request_output_len
// is INT32. input_lengths is INT32 too, so prompts are limited to
// math.MaxInt32 tokens.
func Encode(tokens models.TokenSequence, maxNewTokens int) models.InferenceRequest {
	ids := make([]int32, len(tokens))
	copy(ids, tokens)
	n := int64(len(ids))

	return models.InferenceRequest{
		Inputs: []models.Tensor{
			{
				Name:     models.TensorInputIDs,
				Shape:    []int64{1, n},
				Datatype: models.DatatypeINT32,
				Data:     ids,
			},
			{
				Name:     models.TensorInputLengths,
				Shape:    []int64{1, 1},
				Datatype: models.DatatypeINT32,
				Data:     []int32{int32(n)},
			},
			{
				Name:     models.TensorRequestOutputLen,
				Shape:    []int64{1, 1},
				Datatype: models.DatatypeINT32,
				Data:     []int32{clampInt32(maxNewTokens)},
			},
		},
		Outputs: []models.OutputSpec{
			{Name: models.TensorOutputIDs},
			{Name: models.TensorSequenceLength},
		},
	}
}

func clampInt32(v int) int32 {
	if v < 0 {
		return 0
	}
	if int64(v) > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

// DecodeOptions tunes how output_ids row 0 is interpreted
type DecodeOptions struct {
	// EndTokens are end-of-sequence or padding ids; row 0 is cut at the first one
	EndTokens []int32
}

// DecodeResult is a successfully decoded sequence plus non-fatal findings
type DecodeResult struct {
	Tokens   models.TokenSequence
	Warnings []string
}

// Decode extracts row 0 of output_ids without truncation
func Decode(resp *models.InferenceResponse) (models.TokenSequence, error) {
	res, err := DecodeWithOptions(resp, DecodeOptions{})
	if err != nil {
		return nil, err
	}
	return res.Tokens, nil
}

// DecodeWithOptions extracts row 0 of output_ids and cross-checks sequence_length.
// output_ids is authoritative; a disagreeing sequence_length only adds a warning.
func DecodeWithOptions(resp *models.InferenceResponse, opts DecodeOptions) (*DecodeResult, error) {
	if resp == nil {
		return nil, &DecodeError{Tensor: models.TensorOutputIDs, Err: ErrMissingField, Message: "nil response"}
	}

	out, ok := resp.Output(models.TensorOutputIDs)
	if !ok {
		return nil, &DecodeError{Tensor: models.TensorOutputIDs, Err: ErrMissingField}
	}

	row, err := firstRow(out)
	if err != nil {
		return nil, err
	}

	tokens := truncateAtEnd(row, opts.EndTokens)
	result := &DecodeResult{Tokens: tokens}

	if seqLen, ok := resp.Output(models.TensorSequenceLength); ok {
		if len(seqLen.Data) == 0 || !seqLen.Consistent() {
			result.Warnings = append(result.Warnings, WarnSequenceLengthShape)
		} else if int(seqLen.Data[0]) != len(row) && int(seqLen.Data[0]) != len(tokens) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: sequence_length=%d row=%d",
				WarnSequenceLengthMismatch, seqLen.Data[0], len(tokens)))
		}
	}

	return result, nil
}

// firstRow reshapes the flat buffer and returns batch 0 (beam 0 for rank-3 outputs)
func firstRow(t models.Tensor) (models.TokenSequence, error) {
	if len(t.Shape) < 2 {
		return nil, &DecodeError{
			Tensor:  t.Name,
			Err:     ErrShapeMismatch,
			Message: fmt.Sprintf("expected rank >= 2, got shape %v", t.Shape),
		}
	}
	if !t.Consistent() {
		return nil, &DecodeError{
			Tensor:  t.Name,
			Err:     ErrShapeMismatch,
			Message: fmt.Sprintf("shape %v declares %d elements, data has %d", t.Shape, t.Elements(), len(t.Data)),
		}
	}
	if t.Shape[0] < 1 {
		return nil, &DecodeError{
			Tensor:  t.Name,
			Err:     ErrShapeMismatch,
			Message: fmt.Sprintf("empty batch in shape %v", t.Shape),
		}
	}

	rowLen := t.Shape[len(t.Shape)-1]
	if rowLen > int64(len(t.Data)) {
		return nil, &DecodeError{
			Tensor:  t.Name,
			Err:     ErrShapeMismatch,
			Message: fmt.Sprintf("row length %d exceeds %d data elements", rowLen, len(t.Data)),
		}
	}
	row := make(models.TokenSequence, rowLen)
	copy(row, t.Data[:rowLen])
	return row, nil
}

func truncateAtEnd(row models.TokenSequence, endTokens []int32) models.TokenSequence {
	if len(endTokens) == 0 {
		return row
	}
	for i, id := range row {
		for _, end := range endTokens {
			if id == end {
				return row[:i]
			}
		}
	}
	return row
}

// MarshalRequest serializes a request body for the wire
func MarshalRequest(req *models.InferenceRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal infer request: %w", err)
	}
	return body, nil
}

// UnmarshalResponse parses a response body from the wire
func UnmarshalResponse(body []byte) (*models.InferenceResponse, error) {
	var resp models.InferenceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode infer response: %w", err)
	}
	return &resp, nil
}

// UnmarshalRequest parses a request body; used by the echo server
func UnmarshalRequest(body []byte) (*models.InferenceRequest, error) {
	var req models.InferenceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to decode infer request: %w", err)
	}
	return &req, nil
}
