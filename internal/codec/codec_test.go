package codec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

// serverEcho mimics a server that returns the prompt ids as output_ids
func serverEcho(req models.InferenceRequest) *models.InferenceResponse {
	in, _ := req.Input(models.TensorInputIDs)
	data := make([]int32, len(in.Data))
	copy(data, in.Data)
	return &models.InferenceResponse{
		Outputs: []models.Tensor{
			{Name: models.TensorOutputIDs, Shape: []int64{1, int64(len(data))}, Datatype: models.DatatypeINT32, Data: data},
			{Name: models.TensorSequenceLength, Shape: []int64{1, 1}, Datatype: models.DatatypeINT32, Data: []int32{int32(len(data))}},
		},
	}
}

func TestEncode_Scenario(t *testing.T) {
	req := Encode(models.TokenSequence{15, 22, 9}, 20)

	require.Len(t, req.Inputs, 3)

	ids, ok := req.Input(models.TensorInputIDs)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 3}, ids.Shape)
	assert.Equal(t, []int32{15, 22, 9}, ids.Data)
	assert.Equal(t, models.DatatypeINT32, ids.Datatype)

	lengths, ok := req.Input(models.TensorInputLengths)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 1}, lengths.Shape)
	assert.Equal(t, []int32{3}, lengths.Data)

	outLen, ok := req.Input(models.TensorRequestOutputLen)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 1}, outLen.Shape)
	assert.Equal(t, []int32{20}, outLen.Data)

	assert.Equal(t, []models.OutputSpec{{Name: "output_ids"}, {Name: "sequence_length"}}, req.Outputs)
}

func TestEncode_EmptySequence(t *testing.T) {
	req := Encode(models.TokenSequence{}, DefaultMaxNewTokens)

	ids, ok := req.Input(models.TensorInputIDs)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 0}, ids.Shape)
	assert.Empty(t, ids.Data)

	lengths, _ := req.Input(models.TensorInputLengths)
	assert.Equal(t, []int32{0}, lengths.Data)
}

func TestEncode_ClampsMaxNewTokens(t *testing.T) {
	big := math.MaxInt32
	big += 10 // exceeds int32 only where int is 64 bits

	tests := []struct {
		name string
		in   int
		want int32
	}{
		{"zero", 0, 0},
		{"typical", 128, 128},
		{"int32 max", math.MaxInt32, math.MaxInt32},
		{"negative", -5, 0},
	}
	if big > math.MaxInt32 {
		tests = append(tests, struct {
			name string
			in   int
			want int32
		}{"above int32", big, math.MaxInt32})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Encode(models.TokenSequence{1}, tt.in)
			outLen, ok := req.Input(models.TensorRequestOutputLen)
			require.True(t, ok)
			assert.Equal(t, []int32{tt.want}, outLen.Data)
		})
	}
}

func TestEncode_DoesNotAliasInput(t *testing.T) {
	tokens := models.TokenSequence{1, 2, 3}
	req := Encode(tokens, 5)
	req.Inputs[0].Data[0] = 99

	assert.Equal(t, int32(1), tokens[0])
}

func TestEncode_ShapeInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		tokens := make(models.TokenSequence, rng.Intn(64))
		for j := range tokens {
			tokens[j] = rng.Int31n(150000)
		}

		req := Encode(tokens, rng.Intn(512))
		for _, tensor := range req.Inputs {
			require.Len(t, tensor.Shape, 2)
			assert.Equal(t, tensor.Shape[0]*tensor.Shape[1], int64(len(tensor.Data)), tensor.Name)
		}
	}
}

func TestRoundTrip_Echo(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		tokens := make(models.TokenSequence, rng.Intn(32))
		for j := range tokens {
			tokens[j] = rng.Int31n(32000)
		}

		got, err := Decode(serverEcho(Encode(tokens, 10)))
		require.NoError(t, err)
		assert.Equal(t, []int32(tokens), []int32(got))
	}
}

func TestRoundTrip_ThroughWire(t *testing.T) {
	req := Encode(models.TokenSequence{15, 22, 9}, 20)
	body, err := MarshalRequest(&req)
	require.NoError(t, err)

	parsed, err := UnmarshalRequest(body)
	require.NoError(t, err)

	respBody, err := json.Marshal(serverEcho(*parsed))
	require.NoError(t, err)

	resp, err := UnmarshalResponse(respBody)
	require.NoError(t, err)

	got, err := Decode(resp)
	require.NoError(t, err)
	assert.Equal(t, models.TokenSequence{15, 22, 9}, got)
}

func TestMarshalRequest_WireFormat(t *testing.T) {
	req := Encode(models.TokenSequence{15, 22, 9}, 20)
	body, err := MarshalRequest(&req)
	require.NoError(t, err)

	expected := `{
		"inputs": [
			{"name": "input_ids", "shape": [1, 3], "datatype": "INT32", "data": [15, 22, 9]},
			{"name": "input_lengths", "shape": [1, 1], "datatype": "INT32", "data": [3]},
			{"name": "request_output_len", "shape": [1, 1], "datatype": "INT32", "data": [20]}
		],
		"outputs": [{"name": "output_ids"}, {"name": "sequence_length"}]
	}`
	assert.JSONEq(t, expected, string(body))
}

func TestDecode_Scenario(t *testing.T) {
	resp, err := UnmarshalResponse([]byte(`{
		"model_name": "qwen",
		"outputs": [
			{"name": "output_ids", "shape": [1, 5], "datatype": "INT32", "data": [15, 22, 9, 101, 2]}
		]
	}`))
	require.NoError(t, err)

	got, err := Decode(resp)
	require.NoError(t, err)
	assert.Equal(t, models.TokenSequence{15, 22, 9, 101, 2}, got)
}

func TestDecode_MissingField(t *testing.T) {
	tests := []struct {
		name string
		resp *models.InferenceResponse
	}{
		{"nil response", nil},
		{"no outputs", &models.InferenceResponse{}},
		{"other outputs only", &models.InferenceResponse{Outputs: []models.Tensor{
			{Name: models.TensorSequenceLength, Shape: []int64{1, 1}, Data: []int32{3}},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.resp)
			require.Error(t, err)
			assert.Nil(t, got)
			assert.True(t, IsMissingField(err))
			assert.True(t, IsDecodeFailure(err))
			assert.False(t, IsShapeMismatch(err))
		})
	}
}

func TestDecode_ShapeMismatch(t *testing.T) {
	tests := []struct {
		name   string
		tensor models.Tensor
	}{
		{"too few elements", models.Tensor{Name: "output_ids", Shape: []int64{1, 5}, Data: []int32{1, 2, 3}}},
		{"too many elements", models.Tensor{Name: "output_ids", Shape: []int64{1, 2}, Data: []int32{1, 2, 3}}},
		{"rank one", models.Tensor{Name: "output_ids", Shape: []int64{3}, Data: []int32{1, 2, 3}}},
		{"negative dimension", models.Tensor{Name: "output_ids", Shape: []int64{1, -1}, Data: []int32{1}}},
		{"empty batch", models.Tensor{Name: "output_ids", Shape: []int64{0, 4}, Data: []int32{}}},
		{"overflowing shape", models.Tensor{Name: "output_ids", Shape: []int64{1 << 62, 4}, Data: []int32{}}},
		{"huge row", models.Tensor{Name: "output_ids", Shape: []int64{1, math.MaxInt64}, Data: []int32{1}}},
		{"zero beam with long row", models.Tensor{Name: "output_ids", Shape: []int64{1, 0, 5}, Data: []int32{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(&models.InferenceResponse{Outputs: []models.Tensor{tt.tensor}})
			require.Error(t, err)
			assert.True(t, IsShapeMismatch(err))
		})
	}
}

func TestDecode_HostileShapesDoNotPanic(t *testing.T) {
	shapes := [][]int64{
		{1 << 62, 4},
		{1 << 32, 1 << 32},
		{math.MaxInt64, math.MaxInt64},
		{1, 1 << 40},
		{2, 0, 3},
	}

	for _, shape := range shapes {
		resp := &models.InferenceResponse{Outputs: []models.Tensor{
			{Name: models.TensorOutputIDs, Shape: shape, Data: []int32{}},
		}}
		assert.NotPanics(t, func() {
			_, err := DecodeWithOptions(resp, DecodeOptions{EndTokens: []int32{2}})
			assert.True(t, IsShapeMismatch(err), "shape %v", shape)
		})
	}
}

func TestDecode_TakesRowZero(t *testing.T) {
	resp := &models.InferenceResponse{Outputs: []models.Tensor{
		{Name: "output_ids", Shape: []int64{2, 3}, Data: []int32{1, 2, 3, 4, 5, 6}},
	}}

	got, err := Decode(resp)
	require.NoError(t, err)
	assert.Equal(t, models.TokenSequence{1, 2, 3}, got)
}

func TestDecode_BeamOutputTakesFirstBeam(t *testing.T) {
	resp := &models.InferenceResponse{Outputs: []models.Tensor{
		{Name: "output_ids", Shape: []int64{1, 2, 3}, Data: []int32{7, 8, 9, 10, 11, 12}},
	}}

	got, err := Decode(resp)
	require.NoError(t, err)
	assert.Equal(t, models.TokenSequence{7, 8, 9}, got)
}

func TestDecodeWithOptions_TruncatesAtEndToken(t *testing.T) {
	resp := &models.InferenceResponse{Outputs: []models.Tensor{
		{Name: "output_ids", Shape: []int64{1, 6}, Data: []int32{15, 22, 9, 151643, 151643, 151643}},
		{Name: "sequence_length", Shape: []int64{1, 1}, Data: []int32{3}},
	}}

	res, err := DecodeWithOptions(resp, DecodeOptions{EndTokens: []int32{151643}})
	require.NoError(t, err)
	assert.Equal(t, models.TokenSequence{15, 22, 9}, res.Tokens)
	assert.Empty(t, res.Warnings)
}

func TestDecodeWithOptions_SequenceLengthDisagreement(t *testing.T) {
	resp := &models.InferenceResponse{Outputs: []models.Tensor{
		{Name: "output_ids", Shape: []int64{1, 4}, Data: []int32{1, 2, 3, 4}},
		{Name: "sequence_length", Shape: []int64{1, 1}, Data: []int32{9}},
	}}

	res, err := DecodeWithOptions(resp, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.TokenSequence{1, 2, 3, 4}, res.Tokens)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], WarnSequenceLengthMismatch)
}

func TestDecodeWithOptions_MalformedSequenceLength(t *testing.T) {
	resp := &models.InferenceResponse{Outputs: []models.Tensor{
		{Name: "output_ids", Shape: []int64{1, 2}, Data: []int32{1, 2}},
		{Name: "sequence_length", Shape: []int64{1, 1}, Data: []int32{}},
	}}

	res, err := DecodeWithOptions(resp, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{WarnSequenceLengthShape}, res.Warnings)
}

func TestUnmarshalResponse_Malformed(t *testing.T) {
	_, err := UnmarshalResponse([]byte(`{"outputs": [`))
	assert.Error(t, err)
}
