package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data in a tensor of the given shape. The slice is used as-is.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, numElems)
	}

	return &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		Device:   CPU,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros creates a tensor filled with zeros
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return NewTensor(shape, make([]float32, calculateNumElements(shape)))
}

// Ones creates a tensor filled with ones
func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

// Full creates a tensor filled with value
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// RandomNormal draws every element from N(mean, std^2) using rng.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t, nil
}

// RandomUniform draws every element from U[low, high) using rng.
func RandomUniform(shape []int, low, high float32, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = low + (high-low)*rng.Float32()
	}
	return t, nil
}

// FromScalar creates a single-element tensor of shape [1].
func FromScalar(value float64) *Tensor {
	return &Tensor{
		Shape:    []int{1},
		Strides:  []int{1},
		Device:   CPU,
		Data:     []float32{float32(value)},
		NumElems: 1,
	}
}

// zerosLike allocates without validation; shape comes from an existing tensor.
func zerosLike(t *Tensor) *Tensor {
	return &Tensor{
		Shape:    copyShape(t.Shape),
		Strides:  calculateStrides(t.Shape),
		Device:   t.Device,
		Data:     make([]float32, t.NumElems),
		NumElems: t.NumElems,
	}
}

func newFromShape(shape []int) *Tensor {
	n := calculateNumElements(shape)
	return &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		Device:   CPU,
		Data:     make([]float32, n),
		NumElems: n,
	}
}
