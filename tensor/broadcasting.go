package tensor

import (
	"fmt"
)

// ConcatOp joins tensors along dimension 1 (channels for NCHW).
type ConcatOp struct {
	inputs []*Tensor
}

func (op *ConcatOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	outer := gradOut.Shape[0]
	inner := gradOut.NumElems / (outer * gradOut.Shape[1])
	outRow := gradOut.Shape[1] * inner

	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for k, in := range op.inputs {
		rowLen := in.Shape[1] * inner
		if in.requiresGrad {
			g := zerosLike(in)
			for n := 0; n < outer; n++ {
				copy(g.Data[n*rowLen:(n+1)*rowLen], gradOut.Data[n*outRow+offset:n*outRow+offset+rowLen])
			}
			grads[k] = g
		}
		offset += rowLen
	}
	return grads, nil
}

// Concat concatenates tensors along dimension 1. All other dimensions must agree.
func Concat(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat: no tensors given")
	}
	first := tensors[0]
	if len(first.Shape) < 2 {
		return nil, fmt.Errorf("concat: %w: rank must be at least 2, got %v", ErrShapeMismatch, first.Shape)
	}

	channels := 0
	for _, t := range tensors {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("concat: %w: %v vs %v", ErrShapeMismatch, first.Shape, t.Shape)
		}
		for d := range t.Shape {
			if d != 1 && t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("concat: %w: %v vs %v", ErrShapeMismatch, first.Shape, t.Shape)
			}
		}
		channels += t.Shape[1]
	}

	shape := copyShape(first.Shape)
	shape[1] = channels
	out := newFromShape(shape)

	outer := shape[0]
	inner := first.NumElems / (outer * first.Shape[1])
	outRow := channels * inner
	offset := 0
	for _, t := range tensors {
		rowLen := t.Shape[1] * inner
		for n := 0; n < outer; n++ {
			copy(out.Data[n*outRow+offset:n*outRow+offset+rowLen], t.Data[n*rowLen:(n+1)*rowLen])
		}
		offset += rowLen
	}

	return record(out, &ConcatOp{inputs: tensors}), nil
}

// UpsampleOp is nearest-neighbour upsampling of NCHW tensors by an integer factor.
type UpsampleOp struct {
	inputs []*Tensor
	factor int
}

func (op *UpsampleOp) Inputs() []*Tensor { return op.inputs }

func (op *UpsampleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	g := zerosLike(in)
	h, w := in.Shape[2], in.Shape[3]
	oh, ow := h*op.factor, w*op.factor
	planes := in.Shape[0] * in.Shape[1]
	for p := 0; p < planes; p++ {
		src := gradOut.Data[p*oh*ow : (p+1)*oh*ow]
		dst := g.Data[p*h*w : (p+1)*h*w]
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				dst[(y/op.factor)*w+x/op.factor] += src[y*ow+x]
			}
		}
	}
	return []*Tensor{g}, nil
}

// Upsample repeats every pixel factor times along both spatial axes.
func Upsample(in *Tensor, factor int) (*Tensor, error) {
	if err := requireRank("upsample", in, 4); err != nil {
		return nil, err
	}
	if factor < 1 {
		return nil, fmt.Errorf("upsample: factor must be positive, got %d", factor)
	}
	h, w := in.Shape[2], in.Shape[3]
	oh, ow := h*factor, w*factor
	out := newFromShape([]int{in.Shape[0], in.Shape[1], oh, ow})
	planes := in.Shape[0] * in.Shape[1]
	for p := 0; p < planes; p++ {
		src := in.Data[p*h*w : (p+1)*h*w]
		dst := out.Data[p*oh*ow : (p+1)*oh*ow]
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				dst[y*ow+x] = src[(y/factor)*w+x/factor]
			}
		}
	}
	return record(out, &UpsampleOp{inputs: []*Tensor{in}, factor: factor}), nil
}
