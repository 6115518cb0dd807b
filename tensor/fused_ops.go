package tensor

import (
	"math"
)

// InstanceNormOp normalizes every (n, c) plane to zero mean and unit variance.
type InstanceNormOp struct {
	inputs []*Tensor
	xhat   []float32
	invStd []float32
}

func (op *InstanceNormOp) Inputs() []*Tensor { return op.inputs }

func (op *InstanceNormOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	g := zerosLike(x)
	plane := x.Shape[2] * x.Shape[3]
	m := float64(plane)
	for p := range op.invStd {
		dy := gradOut.Data[p*plane : (p+1)*plane]
		xh := op.xhat[p*plane : (p+1)*plane]
		var sumDy, sumDyXh float64
		for i := range dy {
			sumDy += float64(dy[i])
			sumDyXh += float64(dy[i]) * float64(xh[i])
		}
		inv := float64(op.invStd[p])
		dst := g.Data[p*plane : (p+1)*plane]
		for i := range dy {
			dst[i] = float32(inv / m * (m*float64(dy[i]) - sumDy - float64(xh[i])*sumDyXh))
		}
	}
	return []*Tensor{g}, nil
}

// InstanceNorm applies per-plane normalization without affine parameters.
func InstanceNorm(x *Tensor, eps float64) (*Tensor, error) {
	if err := requireRank("instance norm", x, 4); err != nil {
		return nil, err
	}
	planes := x.Shape[0] * x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	out := zerosLike(x)
	invStd := make([]float32, planes)
	for p := 0; p < planes; p++ {
		src := x.Data[p*plane : (p+1)*plane]
		var mean float64
		for _, v := range src {
			mean += float64(v)
		}
		mean /= float64(plane)
		var variance float64
		for _, v := range src {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(plane)
		inv := 1 / math.Sqrt(variance+eps)
		invStd[p] = float32(inv)
		dst := out.Data[p*plane : (p+1)*plane]
		for i, v := range src {
			dst[i] = float32((float64(v) - mean) * inv)
		}
	}
	// out doubles as x-hat for the backward pass
	return record(out, &InstanceNormOp{inputs: []*Tensor{x}, xhat: out.Data, invStd: invStd}), nil
}

// L1Distance returns mean(|a - b|).
func L1Distance(a, b *Tensor) (*Tensor, error) {
	diff, err := Sub(a, b)
	if err != nil {
		return nil, err
	}
	return Mean(Abs(diff)), nil
}

// MSEDistance returns mean((a - b)^2).
func MSEDistance(a, b *Tensor) (*Tensor, error) {
	diff, err := Sub(a, b)
	if err != nil {
		return nil, err
	}
	sq, err := Mul(diff, diff)
	if err != nil {
		return nil, err
	}
	return Mean(sq), nil
}
