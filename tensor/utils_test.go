package tensor

import (
	"math"
	"reflect"
	"strings"
	"testing"
)

func TestClone(t *testing.T) {
	original, _ := NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
	original.SetRequiresGrad(true)

	clone := original.Clone()
	if !clone.Equal(original) {
		t.Fatal("clone should equal the original")
	}
	if !clone.RequiresGrad() || !clone.IsLeaf() {
		t.Error("clone keeps the requires-grad flag and is a leaf")
	}
	clone.Data[0] = 10
	if original.Data[0] != 1 {
		t.Error("clone should not share data")
	}
}

func TestReshape(t *testing.T) {
	x, _ := NewTensor([]int{2, 3, 4}, make([]float32, 24))

	tests := []struct {
		name    string
		shape   []int
		want    []int
		wantErr bool
	}{
		{"flatten", []int{24}, []int{24}, false},
		{"inferred", []int{4, -1}, []int{4, 6}, false},
		{"wrong size", []int{5, 5}, nil, true},
		{"two inferred", []int{-1, -1}, nil, true},
		{"not divisible", []int{5, -1}, nil, true},
		{"zero", []int{0, 24}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := x.Reshape(tt.shape)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %v", tt.shape)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reshape failed: %v", err)
			}
			if !reflect.DeepEqual(got.Shape, tt.want) {
				t.Errorf("Shape = %v, expected %v", got.Shape, tt.want)
			}
		})
	}
}

func TestItem(t *testing.T) {
	s, _ := NewTensor([]int{1, 1}, []float32{3.5})
	if v, err := s.Item(); err != nil || v != 3.5 {
		t.Errorf("Item() = %v, %v", v, err)
	}
	m, _ := Zeros([]int{2})
	if _, err := m.Item(); err == nil {
		t.Error("expected error for a multi-element tensor")
	}
}

func TestAt(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, []float32{0, 1, 2, 3, 4, 5})
	v, err := x.At(1, 2)
	if err != nil || v != 5 {
		t.Errorf("At(1, 2) = %v, %v", v, err)
	}
	if _, err := x.At(2, 0); err == nil {
		t.Error("expected out of range error")
	}
	if _, err := x.At(0); err == nil {
		t.Error("expected error for the wrong number of indices")
	}
}

func TestTensorProperties(t *testing.T) {
	x, _ := Zeros([]int{2, 3, 4})
	if x.Numel() != 24 || x.Dim() != 3 || !reflect.DeepEqual(x.Size(), []int{2, 3, 4}) {
		t.Errorf("Numel %d Dim %d Size %v", x.Numel(), x.Dim(), x.Size())
	}
}

func TestEqual(t *testing.T) {
	a, _ := NewTensor([]int{2}, []float32{1, 2})
	b, _ := NewTensor([]int{2}, []float32{1, 2})
	c, _ := NewTensor([]int{2}, []float32{1, 2.0001})
	d, _ := NewTensor([]int{1, 2}, []float32{1, 2})

	if !a.Equal(b) {
		t.Error("identical tensors should be equal")
	}
	if a.Equal(c) || a.Equal(d) {
		t.Error("different data or shape should not be equal")
	}
	if !a.AllClose(c, 0, 1e-3) || a.AllClose(c, 0, 1e-6) {
		t.Error("AllClose tolerance not honoured")
	}

	nan, _ := NewTensor([]int{1}, []float32{float32(math.NaN())})
	if !nan.Equal(nan.Clone()) {
		t.Error("Equal compares bits, so identical NaNs are equal")
	}
}

func TestSlice(t *testing.T) {
	x, _ := NewTensor([]int{3, 2}, []float32{0, 1, 2, 3, 4, 5})
	s, err := x.Slice(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s.Shape, []int{2, 2}) || !reflect.DeepEqual(s.Data, []float32{2, 3, 4, 5}) {
		t.Errorf("Slice(1, 3) = %v %v", s.Shape, s.Data)
	}
	if _, err := x.Slice(2, 2); err == nil {
		t.Error("expected error for an empty slice")
	}
}

func TestPrintData(t *testing.T) {
	x, _ := Zeros([]int{30})
	out := x.PrintData(5)
	if !strings.Contains(out, "shape=[30]") || !strings.Contains(out, "25 more elements") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestZeroGrad(t *testing.T) {
	x, _ := NewTensor([]int{2}, []float32{1, 2})
	x.SetRequiresGrad(true)
	loss := Mean(mustMul(t, x, x))
	if err := Backward(loss); err != nil {
		t.Fatal(err)
	}
	if x.Grad() == nil {
		t.Fatal("expected a gradient")
	}
	ZeroGrad([]*Tensor{x, nil})
	if x.Grad() != nil {
		t.Error("ZeroGrad should clear the gradient")
	}
}

func mustMul(t *testing.T, a, b *Tensor) *Tensor {
	t.Helper()
	out, err := Mul(a, b)
	if err != nil {
		t.Fatal(err)
	}
	return out
}
