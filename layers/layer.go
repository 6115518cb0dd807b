package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2D LayerType = iota
	ReLU
	LeakyReLU
	Tanh
	Sigmoid
	Dropout
	InstanceNorm
	Upsample
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case Tanh:
		return "Tanh"
	case Sigmoid:
		return "Sigmoid"
	case Dropout:
		return "Dropout"
	case InstanceNorm:
		return "InstanceNorm"
	case Upsample:
		return "Upsample"
	default:
		return "Unknown"
	}
}

// LayerSpec is the configuration of one layer; Compile turns it into an executable Layer.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec is a compiled stack of layer specs with shape information for a
// reference input size. Fully convolutional stacks accept other sizes at run time.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder accumulates layer specs for a sequential block
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
}

// NewModelBuilder starts a block whose input is [batch, channels, height, width].
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddConv2D adds a square-kernel convolution
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name, Parameters: map[string]interface{}{}})
}

func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       LeakyReLU,
		Name:       name,
		Parameters: map[string]interface{}{"negative_slope": negativeSlope},
	})
}

func (mb *ModelBuilder) AddTanh(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Tanh, Name: name, Parameters: map[string]interface{}{}})
}

func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name, Parameters: map[string]interface{}{}})
}

// AddDropout adds dropout that is only active when the forward Mode is training.
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Dropout,
		Name:       name,
		Parameters: map[string]interface{}{"rate": rate},
	})
}

// AddInstanceNorm adds per-channel normalization without learnable affine terms
func (mb *ModelBuilder) AddInstanceNorm(eps float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       InstanceNorm,
		Name:       name,
		Parameters: map[string]interface{}{"eps": eps},
	})
}

// AddUpsample adds nearest-neighbour upsampling by an integer factor
func (mb *ModelBuilder) AddUpsample(factor int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Upsample,
		Name:       name,
		Parameters: map[string]interface{}{"factor": factor},
	})
}

// Compile computes shapes and parameter counts, then instantiates the layers
// with zero-valued parameters. Weight initialization is the caller's job.
func (mb *ModelBuilder) Compile() (*Sequential, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 4 {
		return nil, fmt.Errorf("input shape must be [batch, channels, height, width], got %v", mb.inputShape)
	}

	spec := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(spec.Layers, mb.layers)

	currentShape := spec.InputShape
	seq := &Sequential{Spec: spec}
	for i := range spec.Layers {
		layer := &spec.Layers[i]
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}
		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		for _, s := range paramShapes {
			n := int64(1)
			for _, d := range s {
				n *= int64(d)
			}
			layer.ParameterCount += n
		}
		spec.ParameterShapes = append(spec.ParameterShapes, paramShapes...)
		spec.TotalParameters += layer.ParameterCount

		executable, err := newLayer(*layer)
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %d (%s): %w", i, layer.Name, err)
		}
		seq.Layers = append(seq.Layers, executable)
		currentShape = outputShape
	}

	spec.OutputShape = currentShape
	spec.Compiled = true
	return seq, nil
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, error) {
	switch layer.Type {
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case Upsample:
		factor := getIntParam(layer.Parameters, "factor", 2)
		if factor < 1 {
			return nil, nil, fmt.Errorf("upsample factor must be positive, got %d", factor)
		}
		return []int{inputShape[0], inputShape[1], inputShape[2] * factor, inputShape[3] * factor}, nil, nil
	case ReLU, LeakyReLU, Tanh, Sigmoid, Dropout, InstanceNorm:
		return append([]int(nil), inputShape...), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, error) {
	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)
	if outputChannels <= 0 || kernelSize <= 0 {
		return nil, nil, fmt.Errorf("output_channels and kernel_size must be positive")
	}

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputShape[2]+2*padding-kernelSize)/stride + 1
	outputWidth := (inputShape[3]+2*padding-kernelSize)/stride + 1
	if inputShape[2]+2*padding < kernelSize || inputShape[3]+2*padding < kernelSize {
		return nil, nil, fmt.Errorf("input %dx%d too small for kernel %d stride %d padding %d",
			inputShape[2], inputShape[3], kernelSize, stride, padding)
	}

	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
	}
	return []int{inputShape[0], outputChannels, outputHeight, outputWidth}, paramShapes, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "  %2d %-24s %-13s %v -> %v params=%d\n",
			i+1, layer.Name, layer.Type, layer.InputShape, layer.OutputShape, layer.ParameterCount)
	}
	return sb.String()
}

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case float32:
			return v
		case float64:
			return float32(v)
		case int:
			return float32(v)
		}
	}
	return defaultValue
}
