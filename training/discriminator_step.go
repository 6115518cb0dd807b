package training

import (
	"fmt"

	"github.com/tsawler/go-remind/layers"
	"github.com/tsawler/go-remind/networks"
	"github.com/tsawler/go-remind/tensor"
)

// DiscriminatorStep scores real and generated pairs of the current streams,
// one discriminator per stream parity.
type DiscriminatorStep struct {
	Discriminators []networks.Network
	Criterion      *GANLoss
	Lambda         float64
	Mode           layers.Mode
}

// Terms computes the summed fake and real losses. Generated images are
// detached, so no gradient reaches the generator.
func (d *DiscriminatorStep) Terms(s *Streams, out *ForwardOutputs) (*DiscriminatorTerms, error) {
	current := s.Current()
	if len(out.Current) != len(current) {
		return nil, fmt.Errorf("discriminator step: %d generated images for %d streams", len(out.Current), len(current))
	}
	fakes := make([]*tensor.Tensor, 0, len(current))
	reals := make([]*tensor.Tensor, 0, len(current))
	for k, i := range current {
		netD, err := d.discriminator(s.Parity(i))
		if err != nil {
			return nil, err
		}

		fakeAB, err := tensor.Concat(s.A[i], out.Current[k].Detach())
		if err != nil {
			return nil, fmt.Errorf("fake pair of stream %d: %w", i, err)
		}
		predFake, err := netD.Forward(fakeAB, d.Mode)
		if err != nil {
			return nil, fmt.Errorf("discriminator on fake pair %d: %w", i, err)
		}
		lossFake, err := d.Criterion.Compute(predFake, false)
		if err != nil {
			return nil, err
		}

		realAB, err := tensor.Concat(s.A[i], s.B[i])
		if err != nil {
			return nil, fmt.Errorf("real pair of stream %d: %w", i, err)
		}
		predReal, err := netD.Forward(realAB, d.Mode)
		if err != nil {
			return nil, fmt.Errorf("discriminator on real pair %d: %w", i, err)
		}
		lossReal, err := d.Criterion.Compute(predReal, true)
		if err != nil {
			return nil, err
		}

		fakes = append(fakes, lossFake)
		reals = append(reals, lossReal)
	}

	fake, err := SumLosses(fakes)
	if err != nil {
		return nil, fmt.Errorf("discriminator fake losses: %w", err)
	}
	realSum, err := SumLosses(reals)
	if err != nil {
		return nil, fmt.Errorf("discriminator real losses: %w", err)
	}
	return &DiscriminatorTerms{Fake: fake, Real: realSum}, nil
}

// Backward computes the terms, composes loss_D and backpropagates it into
// the discriminator parameters. The caller steps the optimizers.
func (d *DiscriminatorStep) Backward(s *Streams, out *ForwardOutputs) (*DiscriminatorTerms, *tensor.Tensor, error) {
	terms, err := d.Terms(s, out)
	if err != nil {
		return nil, nil, err
	}
	loss, err := ComposeDiscriminatorLoss(terms, d.Lambda)
	if err != nil {
		return nil, nil, err
	}
	if err := tensor.Backward(loss); err != nil {
		return nil, nil, fmt.Errorf("discriminator backward: %w", err)
	}
	return terms, loss, nil
}

func (d *DiscriminatorStep) discriminator(parity int) (networks.Network, error) {
	if parity < 0 || parity >= len(d.Discriminators) {
		return nil, fmt.Errorf("no discriminator for parity %d (have %d)", parity, len(d.Discriminators))
	}
	return d.Discriminators[parity], nil
}
