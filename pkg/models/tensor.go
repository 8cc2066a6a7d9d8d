package models

import "math"

// Tensor names used by the TensorRT-LLM ensemble
const (
	TensorInputIDs         = "input_ids"
	TensorInputLengths     = "input_lengths"
	TensorRequestOutputLen = "request_output_len"
	TensorOutputIDs        = "output_ids"
	TensorSequenceLength   = "sequence_length"
)

// DatatypeINT32 is the only datatype this harness sends
const DatatypeINT32 = "INT32"

// TokenSequence is an ordered list of vocabulary indices.
// Treat it as immutable once created.
type TokenSequence []int32

// Clone returns an independent copy of the sequence
func (t TokenSequence) Clone() TokenSequence {
	if t == nil {
		return nil
	}
	out := make(TokenSequence, len(t))
	copy(out, t)
	return out
}

// Tensor is a named, typed, shaped flat buffer in row-major order
type Tensor struct {
	Name     string  `json:"name"`
	Shape    []int64 `json:"shape"`
	Datatype string  `json:"datatype"`
	Data     []int32 `json:"data"`
}

// Elements returns the product of the shape dimensions.
// A negative dimension or a product that overflows int64 yields -1.
func (t Tensor) Elements() int64 {
	for _, d := range t.Shape {
		if d < 0 {
			return -1
		}
		if d == 0 {
			return 0
		}
	}

	n := int64(1)
	for _, d := range t.Shape {
		if n > math.MaxInt64/d {
			return -1
		}
		n *= d
	}
	return n
}

// Consistent reports whether len(Data) matches the declared shape
func (t Tensor) Consistent() bool {
	return int64(len(t.Data)) == t.Elements()
}

// OutputSpec names a tensor the server should return
type OutputSpec struct {
	Name string `json:"name"`
}

// InferenceRequest is the KServe v2 infer request body
type InferenceRequest struct {
	ID      string       `json:"id,omitempty"`
	Inputs  []Tensor     `json:"inputs"`
	Outputs []OutputSpec `json:"outputs,omitempty"`
}

// Input returns the named input tensor
func (r *InferenceRequest) Input(name string) (Tensor, bool) {
	for _, t := range r.Inputs {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// InferenceResponse is the KServe v2 infer response body
type InferenceResponse struct {
	ModelName    string   `json:"model_name,omitempty"`
	ModelVersion string   `json:"model_version,omitempty"`
	ID           string   `json:"id,omitempty"`
	Outputs      []Tensor `json:"outputs"`
}

// Output returns the named output tensor
func (r *InferenceResponse) Output(name string) (Tensor, bool) {
	for _, t := range r.Outputs {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}
