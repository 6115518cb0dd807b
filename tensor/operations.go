package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// AddOp implements elementwise a + b
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	var ga, gb *Tensor
	if a.requiresGrad {
		ga = cloneData(gradOut)
	}
	if b.requiresGrad {
		gb = cloneData(gradOut)
	}
	return []*Tensor{ga, gb}, nil
}

// Add returns a + b for tensors of identical shape.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := requireSameShape("add", a, b); err != nil {
		return nil, err
	}
	out := zerosLike(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return record(out, &AddOp{inputs: []*Tensor{a, b}}), nil
}

// SubOp implements elementwise a - b
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	var ga, gb *Tensor
	if a.requiresGrad {
		ga = cloneData(gradOut)
	}
	if b.requiresGrad {
		gb = zerosLike(gradOut)
		for i, g := range gradOut.Data {
			gb.Data[i] = -g
		}
	}
	return []*Tensor{ga, gb}, nil
}

// Sub returns a - b for tensors of identical shape.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := requireSameShape("sub", a, b); err != nil {
		return nil, err
	}
	out := zerosLike(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return record(out, &SubOp{inputs: []*Tensor{a, b}}), nil
}

// MulOp implements elementwise a * b
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	var ga, gb *Tensor
	if a.requiresGrad {
		ga = zerosLike(gradOut)
		for i, g := range gradOut.Data {
			ga.Data[i] = g * b.Data[i]
		}
	}
	if b.requiresGrad {
		gb = zerosLike(gradOut)
		for i, g := range gradOut.Data {
			gb.Data[i] = g * a.Data[i]
		}
	}
	return []*Tensor{ga, gb}, nil
}

// Mul returns the elementwise product of tensors of identical shape.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := requireSameShape("mul", a, b); err != nil {
		return nil, err
	}
	out := zerosLike(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return record(out, &MulOp{inputs: []*Tensor{a, b}}), nil
}

// ScaleOp multiplies by a constant
type ScaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := zerosLike(gradOut)
	for i, v := range gradOut.Data {
		g.Data[i] = v * op.factor
	}
	return []*Tensor{g}, nil
}

// Scale returns a * factor.
func Scale(a *Tensor, factor float64) *Tensor {
	f := float32(factor)
	out := zerosLike(a)
	for i, v := range a.Data {
		out.Data[i] = v * f
	}
	return record(out, &ScaleOp{inputs: []*Tensor{a}, factor: f})
}

// AbsOp implements |a|; the subgradient at zero is zero.
type AbsOp struct {
	inputs []*Tensor
}

func (op *AbsOp) Inputs() []*Tensor { return op.inputs }

func (op *AbsOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	g := zerosLike(gradOut)
	for i, v := range gradOut.Data {
		switch {
		case a.Data[i] > 0:
			g.Data[i] = v
		case a.Data[i] < 0:
			g.Data[i] = -v
		}
	}
	return []*Tensor{g}, nil
}

func Abs(a *Tensor) *Tensor {
	out := zerosLike(a)
	for i, v := range a.Data {
		if v < 0 {
			v = -v
		}
		out.Data[i] = v
	}
	return record(out, &AbsOp{inputs: []*Tensor{a}})
}

// MeanOp reduces every element to a [1] tensor
type MeanOp struct {
	inputs []*Tensor
}

func (op *MeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	g := zerosLike(a)
	v := gradOut.Data[0] / float32(a.NumElems)
	for i := range g.Data {
		g.Data[i] = v
	}
	return []*Tensor{g}, nil
}

// Mean averages all elements. Accumulation happens in float64.
func Mean(a *Tensor) *Tensor {
	var sum float64
	for _, v := range a.Data {
		sum += float64(v)
	}
	out := FromScalar(sum / float64(a.NumElems))
	return record(out, &MeanOp{inputs: []*Tensor{a}})
}

// LeakyReLUOp implements max(x, slope*x); ReLU is slope 0.
type LeakyReLUOp struct {
	inputs []*Tensor
	slope  float32
}

func (op *LeakyReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *LeakyReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	g := zerosLike(gradOut)
	for i, v := range gradOut.Data {
		if a.Data[i] > 0 {
			g.Data[i] = v
		} else {
			g.Data[i] = v * op.slope
		}
	}
	return []*Tensor{g}, nil
}

func LeakyReLU(a *Tensor, slope float32) *Tensor {
	out := zerosLike(a)
	for i, v := range a.Data {
		if v > 0 {
			out.Data[i] = v
		} else {
			out.Data[i] = v * slope
		}
	}
	return record(out, &LeakyReLUOp{inputs: []*Tensor{a}, slope: slope})
}

func ReLU(a *Tensor) *Tensor {
	return LeakyReLU(a, 0)
}

// TanhOp implements tanh, reusing the forward output for the gradient
type TanhOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *TanhOp) Inputs() []*Tensor { return op.inputs }

func (op *TanhOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := zerosLike(gradOut)
	for i, v := range gradOut.Data {
		y := op.output.Data[i]
		g.Data[i] = v * (1 - y*y)
	}
	return []*Tensor{g}, nil
}

func Tanh(a *Tensor) *Tensor {
	out := zerosLike(a)
	for i, v := range a.Data {
		out.Data[i] = float32(math.Tanh(float64(v)))
	}
	return record(out, &TanhOp{inputs: []*Tensor{a}, output: out})
}

// SigmoidOp implements 1/(1+exp(-x))
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := zerosLike(gradOut)
	for i, v := range gradOut.Data {
		y := op.output.Data[i]
		g.Data[i] = v * y * (1 - y)
	}
	return []*Tensor{g}, nil
}

func Sigmoid(a *Tensor) *Tensor {
	out := zerosLike(a)
	for i, v := range a.Data {
		out.Data[i] = sigmoid32(v)
	}
	return record(out, &SigmoidOp{inputs: []*Tensor{a}, output: out})
}

func sigmoid32(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

// DropoutOp multiplies by a fixed, pre-scaled keep mask
type DropoutOp struct {
	inputs []*Tensor
	mask   []float32
}

func (op *DropoutOp) Inputs() []*Tensor { return op.inputs }

func (op *DropoutOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := zerosLike(gradOut)
	for i, v := range gradOut.Data {
		g.Data[i] = v * op.mask[i]
	}
	return []*Tensor{g}, nil
}

// Dropout zeroes each element with probability rate and scales survivors by
// 1/(1-rate). rate must lie in [0, 1).
func Dropout(a *Tensor, rate float32, rng *rand.Rand) (*Tensor, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout: rate %v outside [0, 1)", rate)
	}
	if rng == nil {
		return nil, fmt.Errorf("dropout: random source is required in training mode")
	}
	keep := 1 / (1 - rate)
	mask := make([]float32, a.NumElems)
	out := zerosLike(a)
	for i, v := range a.Data {
		if rng.Float32() >= rate {
			mask[i] = keep
			out.Data[i] = v * keep
		}
	}
	return record(out, &DropoutOp{inputs: []*Tensor{a}, mask: mask}), nil
}

// BCEWithLogitsOp is the mean binary cross-entropy of sigmoid(logits) against a constant target.
type BCEWithLogitsOp struct {
	inputs []*Tensor
	target float32
}

func (op *BCEWithLogitsOp) Inputs() []*Tensor { return op.inputs }

func (op *BCEWithLogitsOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	logits := op.inputs[0]
	g := zerosLike(logits)
	scale := gradOut.Data[0] / float32(logits.NumElems)
	for i, x := range logits.Data {
		g.Data[i] = (sigmoid32(x) - op.target) * scale
	}
	return []*Tensor{g}, nil
}

// BCEWithLogits computes mean(max(x,0) - x*y + log(1+exp(-|x|))), the
// numerically stable form of binary cross-entropy on logits.
func BCEWithLogits(logits *Tensor, target float32) *Tensor {
	var sum float64
	y := float64(target)
	for _, v := range logits.Data {
		x := float64(v)
		sum += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
	}
	out := FromScalar(sum / float64(logits.NumElems))
	return record(out, &BCEWithLogitsOp{inputs: []*Tensor{logits}, target: target})
}

func cloneData(t *Tensor) *Tensor {
	out := zerosLike(t)
	copy(out.Data, t.Data)
	return out
}
