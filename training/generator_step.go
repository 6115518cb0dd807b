package training

import (
	"fmt"

	"github.com/tsawler/go-remind/layers"
	"github.com/tsawler/go-remind/networks"
	"github.com/tsawler/go-remind/perceptual"
	"github.com/tsawler/go-remind/tensor"
)

// GeneratorStep computes the generator objective: fooling the
// discriminators, matching the targets of the current task and, with
// retention, matching the frozen generator on previous-task inputs.
type GeneratorStep struct {
	Discriminators []networks.Network
	Criterion      *GANLoss
	Perceptual     *perceptual.Loss
	Weights        LossWeights
	Mode           layers.Mode
}

// Terms computes the per-kind loss sums. The discriminators are expected to
// be frozen by the caller; gradients still flow through them into the
// generated images.
func (g *GeneratorStep) Terms(s *Streams, out *ForwardOutputs) (*GeneratorTerms, error) {
	current := s.Current()
	if len(out.Current) != len(current) {
		return nil, fmt.Errorf("generator step: %d generated images for %d streams", len(out.Current), len(current))
	}
	var adv, l1, perc []*tensor.Tensor
	for k, i := range current {
		if s.Parity(i) >= len(g.Discriminators) {
			return nil, fmt.Errorf("no discriminator for parity %d (have %d)", s.Parity(i), len(g.Discriminators))
		}
		netD := g.Discriminators[s.Parity(i)]
		fake := out.Current[k]

		fakeAB, err := tensor.Concat(s.A[i], fake)
		if err != nil {
			return nil, fmt.Errorf("fake pair of stream %d: %w", i, err)
		}
		pred, err := netD.Forward(fakeAB, g.Mode)
		if err != nil {
			return nil, fmt.Errorf("discriminator on fake pair %d: %w", i, err)
		}
		lossGAN, err := g.Criterion.Compute(pred, true)
		if err != nil {
			return nil, err
		}
		lossL1, err := L1Loss(fake, s.B[i])
		if err != nil {
			return nil, fmt.Errorf("stream %d: %w", i, err)
		}
		lossPerc, err := g.Perceptual.Distance(fake, s.B[i])
		if err != nil {
			return nil, fmt.Errorf("stream %d: %w", i, err)
		}
		adv = append(adv, lossGAN)
		l1 = append(l1, lossL1)
		perc = append(perc, lossPerc)
	}

	terms := &GeneratorTerms{}
	var err error
	if terms.Adversarial, err = SumLosses(adv); err != nil {
		return nil, fmt.Errorf("adversarial losses: %w", err)
	}
	if terms.L1, err = SumLosses(l1); err != nil {
		return nil, fmt.Errorf("l1 losses: %w", err)
	}
	if terms.Perceptual, err = SumLosses(perc); err != nil {
		return nil, fmt.Errorf("perceptual losses: %w", err)
	}

	if !out.HasRetention {
		return terms, nil
	}
	ret := out.Retention
	if ret == nil || len(ret.Trainable) != len(ret.Frozen) {
		return nil, fmt.Errorf("generator step: incomplete retention outputs")
	}
	var rl1, rperc []*tensor.Tensor
	for j := range ret.Trainable {
		d, err := L1Loss(ret.Trainable[j], ret.Frozen[j])
		if err != nil {
			return nil, fmt.Errorf("retention stream %d: %w", j, err)
		}
		p, err := g.Perceptual.Distance(ret.Trainable[j], ret.Frozen[j])
		if err != nil {
			return nil, fmt.Errorf("retention stream %d: %w", j, err)
		}
		rl1 = append(rl1, d)
		rperc = append(rperc, p)
	}
	terms.HasRetention = true
	terms.RetentionStreams = len(rl1)
	if terms.RetentionL1, err = SumLosses(rl1); err != nil {
		return nil, fmt.Errorf("retention l1 losses: %w", err)
	}
	if terms.RetentionPerceptual, err = SumLosses(rperc); err != nil {
		return nil, fmt.Errorf("retention perceptual losses: %w", err)
	}
	return terms, nil
}

// Backward computes the terms, composes loss_G and backpropagates it into
// the generator parameters. The caller steps the optimizer.
func (g *GeneratorStep) Backward(s *Streams, out *ForwardOutputs) (*GeneratorTerms, *tensor.Tensor, error) {
	terms, err := g.Terms(s, out)
	if err != nil {
		return nil, nil, err
	}
	loss, err := ComposeGeneratorLoss(terms, g.Weights)
	if err != nil {
		return nil, nil, err
	}
	if err := tensor.Backward(loss); err != nil {
		return nil, nil, fmt.Errorf("generator backward: %w", err)
	}
	return terms, loss, nil
}
