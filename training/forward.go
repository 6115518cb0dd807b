package training

import (
	"fmt"

	"github.com/tsawler/go-remind/layers"
	"github.com/tsawler/go-remind/networks"
	"github.com/tsawler/go-remind/tensor"
)

// ForwardOutputs holds the generated images of one step. Current is aligned
// with Streams.Current(); Retention, when present, with Streams.Previous().
type ForwardOutputs struct {
	Current      []*tensor.Tensor
	HasRetention bool
	Retention    *RetentionOutputs
}

// RetentionOutputs pairs the trainable and frozen generator outputs on
// previous-task inputs. Frozen outputs carry no gradient.
type RetentionOutputs struct {
	Trainable []*tensor.Tensor
	Frozen    []*tensor.Tensor
}

// ForwardRunner runs the trainable generator on the current streams and,
// with retention, both generators on the previous streams.
type ForwardRunner struct {
	Generator networks.Network
	Frozen    networks.Network
	Retention bool
	Mode      layers.Mode
}

// Run produces the generated images for s. It does not modify any parameter.
func (r *ForwardRunner) Run(s *Streams) (*ForwardOutputs, error) {
	out := &ForwardOutputs{HasRetention: r.Retention}
	for _, i := range s.Current() {
		fake, err := r.Generator.Forward(s.A[i], r.Mode)
		if err != nil {
			return nil, fmt.Errorf("generator on stream %d: %w", i, err)
		}
		out.Current = append(out.Current, fake)
	}
	if !r.Retention {
		return out, nil
	}
	if r.Frozen == nil {
		return nil, fmt.Errorf("retention requested without a frozen generator")
	}

	prev := s.Previous()
	out.Retention = &RetentionOutputs{
		Trainable: make([]*tensor.Tensor, 0, len(prev)),
		Frozen:    make([]*tensor.Tensor, 0, len(prev)),
	}
	for _, i := range prev {
		cur, err := r.Generator.Forward(s.A[i], r.Mode)
		if err != nil {
			return nil, fmt.Errorf("generator on previous stream %d: %w", i, err)
		}
		frozen, err := r.Frozen.Forward(s.A[i], layers.Eval)
		if err != nil {
			return nil, fmt.Errorf("frozen generator on previous stream %d: %w", i, err)
		}
		out.Retention.Trainable = append(out.Retention.Trainable, cur)
		out.Retention.Frozen = append(out.Retention.Frozen, frozen.Detach())
	}
	return out, nil
}
