package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a view of the same data with a different shape. One
// dimension may be -1 and is inferred. The view carries no gradient history.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := copyShape(newShape)
	newNumElems := 1
	negOneIdx := -1

	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			newNumElems *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		shape[negOneIdx] = t.NumElems / newNumElems
		newNumElems *= shape[negOneIdx]
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, newNumElems)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Clone deep-copies the data of t into a new leaf tensor that keeps t's
// requires-grad flag but none of its history.
func (t *Tensor) Clone() *Tensor {
	c := cloneData(t)
	c.requiresGrad = t.requiresGrad
	return c
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() requires a single-element tensor, got shape %v", t.Shape)
	}
	return float64(t.Data[0]), nil
}

// At returns the element at the given coordinates.
func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d of size %d", idx, i, t.Shape[i])
		}
		offset += idx * t.Strides[i]
	}
	return t.Data[offset], nil
}

func (t *Tensor) Size() []int {
	return copyShape(t.Shape)
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports bit-for-bit equality of shape and data.
func (t *Tensor) Equal(other *Tensor) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i, v := range t.Data {
		if math.Float32bits(v) != math.Float32bits(other.Data[i]) {
			return false
		}
	}
	return true
}

// AllClose reports whether every element differs by at most atol + rtol*|other|.
func (t *Tensor) AllClose(other *Tensor, rtol, atol float64) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i, v := range t.Data {
		o := float64(other.Data[i])
		if math.Abs(float64(v)-o) > atol+rtol*math.Abs(o) {
			return false
		}
	}
	return true
}

// Slice returns a copy of batch items [from, to) of t along dimension 0.
func (t *Tensor) Slice(from, to int) (*Tensor, error) {
	if from < 0 || to > t.Shape[0] || from >= to {
		return nil, fmt.Errorf("slice [%d, %d) out of range for dimension of size %d", from, to, t.Shape[0])
	}
	row := t.NumElems / t.Shape[0]
	shape := copyShape(t.Shape)
	shape[0] = to - from
	out := newFromShape(shape)
	copy(out.Data, t.Data[from*row:to*row])
	return out, nil
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor(shape=%v, device=%s)\n", t.Shape, t.Device))

	if maxElements <= 0 {
		maxElements = 20
	}
	elementsToShow := min(t.NumElems, maxElements)

	sb.WriteString("[")
	for i := 0; i < elementsToShow; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if t.NumElems > maxElements {
		sb.WriteString(fmt.Sprintf(", ... (%d more elements)", t.NumElems-maxElements))
	}
	sb.WriteString("]")

	return sb.String()
}
