package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-remind/tensor"
)

// Mode is passed explicitly to every forward call instead of being stored on
// the network, so the same network can run in training and evaluation mode
// from different call sites.
type Mode struct {
	Training bool
	RNG      *rand.Rand
}

// Eval disables dropout.
var Eval = Mode{}

// Train enables dropout, drawing masks from rng.
func Train(rng *rand.Rand) Mode {
	return Mode{Training: true, RNG: rng}
}

// Parameter is a named learnable tensor.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
}

// Layer is one executable building block
type Layer interface {
	Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error)
	Parameters() []*Parameter
	Spec() LayerSpec
}

func newLayer(spec LayerSpec) (Layer, error) {
	switch spec.Type {
	case Conv2D:
		return newConv2DLayer(spec)
	case ReLU:
		return &activationLayer{spec: spec, fn: tensor.ReLU}, nil
	case LeakyReLU:
		slope := getFloatParam(spec.Parameters, "negative_slope", 0.2)
		return &activationLayer{spec: spec, fn: func(x *tensor.Tensor) *tensor.Tensor { return tensor.LeakyReLU(x, slope) }}, nil
	case Tanh:
		return &activationLayer{spec: spec, fn: tensor.Tanh}, nil
	case Sigmoid:
		return &activationLayer{spec: spec, fn: tensor.Sigmoid}, nil
	case Dropout:
		return &dropoutLayer{spec: spec, rate: getFloatParam(spec.Parameters, "rate", 0.5)}, nil
	case InstanceNorm:
		return &instanceNormLayer{spec: spec, eps: float64(getFloatParam(spec.Parameters, "eps", 1e-5))}, nil
	case Upsample:
		return &upsampleLayer{spec: spec, factor: getIntParam(spec.Parameters, "factor", 2)}, nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", spec.Type)
	}
}

type conv2DLayer struct {
	spec   LayerSpec
	params tensor.Conv2DParams
	weight *Parameter
	bias   *Parameter
}

func newConv2DLayer(spec LayerSpec) (*conv2DLayer, error) {
	if len(spec.ParameterShapes) == 0 {
		return nil, fmt.Errorf("conv2d layer %s has no parameter shapes", spec.Name)
	}
	w, err := tensor.Zeros(spec.ParameterShapes[0])
	if err != nil {
		return nil, err
	}
	w.SetRequiresGrad(true)
	l := &conv2DLayer{
		spec: spec,
		params: tensor.Conv2DParams{
			Stride:  getIntParam(spec.Parameters, "stride", 1),
			Padding: getIntParam(spec.Parameters, "padding", 0),
		},
		weight: &Parameter{Name: spec.Name + ".weight", Value: w},
	}
	if len(spec.ParameterShapes) > 1 {
		b, err := tensor.Zeros(spec.ParameterShapes[1])
		if err != nil {
			return nil, err
		}
		b.SetRequiresGrad(true)
		l.bias = &Parameter{Name: spec.Name + ".bias", Value: b}
	}
	return l, nil
}

func (l *conv2DLayer) Forward(x *tensor.Tensor, _ Mode) (*tensor.Tensor, error) {
	var b *tensor.Tensor
	if l.bias != nil {
		b = l.bias.Value
	}
	out, err := tensor.Conv2D(x, l.weight.Value, b, l.params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.spec.Name, err)
	}
	return out, nil
}

func (l *conv2DLayer) Parameters() []*Parameter {
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}

func (l *conv2DLayer) Spec() LayerSpec { return l.spec }

type activationLayer struct {
	spec LayerSpec
	fn   func(*tensor.Tensor) *tensor.Tensor
}

func (l *activationLayer) Forward(x *tensor.Tensor, _ Mode) (*tensor.Tensor, error) {
	return l.fn(x), nil
}

func (l *activationLayer) Parameters() []*Parameter { return nil }

func (l *activationLayer) Spec() LayerSpec { return l.spec }

type dropoutLayer struct {
	spec LayerSpec
	rate float32
}

func (l *dropoutLayer) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	if !mode.Training || l.rate == 0 {
		return x, nil
	}
	return tensor.Dropout(x, l.rate, mode.RNG)
}

func (l *dropoutLayer) Parameters() []*Parameter { return nil }

func (l *dropoutLayer) Spec() LayerSpec { return l.spec }

type instanceNormLayer struct {
	spec LayerSpec
	eps  float64
}

func (l *instanceNormLayer) Forward(x *tensor.Tensor, _ Mode) (*tensor.Tensor, error) {
	return tensor.InstanceNorm(x, l.eps)
}

func (l *instanceNormLayer) Parameters() []*Parameter { return nil }

func (l *instanceNormLayer) Spec() LayerSpec { return l.spec }

type upsampleLayer struct {
	spec   LayerSpec
	factor int
}

func (l *upsampleLayer) Forward(x *tensor.Tensor, _ Mode) (*tensor.Tensor, error) {
	return tensor.Upsample(x, l.factor)
}

func (l *upsampleLayer) Parameters() []*Parameter { return nil }

func (l *upsampleLayer) Spec() LayerSpec { return l.spec }

// Sequential runs its layers in order
type Sequential struct {
	Spec   *ModelSpec
	Layers []Layer
}

func (s *Sequential) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	out := x
	for _, l := range s.Layers {
		var err error
		out, err = l.Forward(out, mode)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, l := range s.Layers {
		params = append(params, l.Parameters()...)
	}
	return params
}
