// Package perceptual compares images in the feature space of a fixed
// convolutional extractor.
package perceptual

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-remind/layers"
	"github.com/tsawler/go-remind/tensor"
)

// DefaultWidths are the output channels of the extractor slices.
var DefaultWidths = []int{8, 16, 32}

type Config struct {
	InputChannels int
	Widths        []int
	Seed          int64
}

// Extractor is a stack of frozen conv slices. The first slice keeps the
// input resolution, every later one halves it. Features returns the output
// of each slice.
type Extractor struct {
	slices []*layers.Sequential
}

// NewExtractor builds an extractor with seeded Kaiming-normal weights. Use
// LoadState to replace them with trained ones.
func NewExtractor(cfg Config) (*Extractor, error) {
	widths := cfg.Widths
	if len(widths) == 0 {
		widths = DefaultWidths
	}
	if cfg.InputChannels <= 0 {
		return nil, fmt.Errorf("perceptual: input channels must be positive, got %d", cfg.InputChannels)
	}

	e := &Extractor{}
	in, size := cfg.InputChannels, 16
	for i, w := range widths {
		prefix := fmt.Sprintf("slice%d", i)
		b := layers.NewModelBuilder([]int{1, in, size, size})
		if i == 0 {
			b.AddConv2D(w, 3, 1, 1, true, prefix+".conv0")
		} else {
			b.AddConv2D(w, 4, 2, 1, true, prefix+".conv0")
			size /= 2
		}
		b.AddReLU(prefix+".act0").
			AddConv2D(w, 3, 1, 1, true, prefix+".conv1").
			AddReLU(prefix + ".act1")
		seq, err := b.Compile()
		if err != nil {
			return nil, fmt.Errorf("perceptual: %w", err)
		}
		e.slices = append(e.slices, seq)
		in = w
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	for _, p := range e.Parameters() {
		p.Value.SetRequiresGrad(false)
		v := p.Value
		if len(v.Shape) != 4 {
			continue
		}
		std := math.Sqrt(2 / float64(v.Shape[1]*v.Shape[2]*v.Shape[3]))
		for j := range v.Data {
			v.Data[j] = float32(rng.NormFloat64() * std)
		}
	}
	return e, nil
}

// Features runs x through every slice. Gradients flow to x but never to the
// extractor weights.
func (e *Extractor) Features(x *tensor.Tensor) ([]*tensor.Tensor, error) {
	feats := make([]*tensor.Tensor, 0, len(e.slices))
	h := x
	for i, s := range e.slices {
		var err error
		if h, err = s.Forward(h, layers.Eval); err != nil {
			return nil, fmt.Errorf("perceptual slice %d: %w", i, err)
		}
		feats = append(feats, h)
	}
	return feats, nil
}

func (e *Extractor) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, s := range e.slices {
		params = append(params, s.Parameters()...)
	}
	return params
}

// LoadState copies trained weights into the extractor. Every parameter must
// be present with a matching shape.
func (e *Extractor) LoadState(state map[string]*tensor.Tensor) error {
	for _, p := range e.Parameters() {
		src, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("perceptual: missing weight %s", p.Name)
		}
		if src.NumElems != p.Value.NumElems {
			return fmt.Errorf("perceptual: %w: %s has shape %v, want %v", tensor.ErrShapeMismatch, p.Name, src.Shape, p.Value.Shape)
		}
		copy(p.Value.Data, src.Data)
	}
	return nil
}

// Loss is the perceptual distance between two images: the sum over slices of
// the mean squared difference of their feature maps.
type Loss struct {
	Extractor *Extractor
}

func NewLoss(e *Extractor) *Loss {
	return &Loss{Extractor: e}
}

func (l *Loss) Distance(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	fa, err := l.Extractor.Features(a)
	if err != nil {
		return nil, err
	}
	fb, err := l.Extractor.Features(b)
	if err != nil {
		return nil, err
	}
	var total *tensor.Tensor
	for i := range fa {
		d, err := tensor.MSEDistance(fa[i], fb[i])
		if err != nil {
			return nil, fmt.Errorf("perceptual slice %d: %w", i, err)
		}
		if total == nil {
			total = d
		} else if total, err = tensor.Add(total, d); err != nil {
			return nil, err
		}
	}
	return total, nil
}
