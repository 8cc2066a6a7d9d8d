package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTensor_Elements(t *testing.T) {
	tests := []struct {
		name  string
		shape []int64
		want  int64
	}{
		{"matrix", []int64{1, 4}, 4},
		{"rank three", []int64{1, 2, 3}, 6},
		{"zero dimension", []int64{1, 0}, 0},
		{"scalar", nil, 1},
		{"negative", []int64{1, -1}, -1},
		{"overflow wraps to zero", []int64{1 << 62, 4}, -1},
		{"overflow", []int64{1 << 32, 1 << 32}, -1},
		{"max int64", []int64{math.MaxInt64, 1}, math.MaxInt64},
		{"zero after overflowing prefix", []int64{math.MaxInt64, 2, 0}, 0},
		{"negative after zero", []int64{0, -1}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tensor{Shape: tt.shape}.Elements())
		})
	}
}

func TestTensor_ConsistentRejectsOverflow(t *testing.T) {
	assert.False(t, Tensor{Shape: []int64{1 << 62, 4}, Data: []int32{}}.Consistent())
	assert.True(t, Tensor{Shape: []int64{1, 0}, Data: []int32{}}.Consistent())
	assert.True(t, Tensor{Shape: []int64{2, 2}, Data: []int32{1, 2, 3, 4}}.Consistent())
}
