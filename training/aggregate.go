package training

import (
	"fmt"

	"github.com/tsawler/go-remind/tensor"
)

// SumLosses folds scalar loss terms left to right.
func SumLosses(terms []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(terms) == 0 {
		return nil, ErrNoLossTerms
	}
	total := terms[0]
	for _, t := range terms[1:] {
		var err error
		if total, err = tensor.Add(total, t); err != nil {
			return nil, fmt.Errorf("sum losses: %w", err)
		}
	}
	return total, nil
}

// LossWeights scale the generator loss terms.
type LossWeights struct {
	DigestingL1         float64
	DigestingPerceptual float64
	RemindingL1         float64
	RemindingPerceptual float64
	G                   float64
}

// GeneratorTerms are the per-kind sums of the generator losses of one step.
// The retention terms are set iff HasRetention.
type GeneratorTerms struct {
	Adversarial *tensor.Tensor
	L1          *tensor.Tensor
	Perceptual  *tensor.Tensor

	HasRetention        bool
	RetentionStreams    int
	RetentionL1         *tensor.Tensor
	RetentionPerceptual *tensor.Tensor
}

// DiscriminatorTerms are the summed fake and real discriminator losses.
type DiscriminatorTerms struct {
	Fake *tensor.Tensor
	Real *tensor.Tensor
}

// ComposeGeneratorLoss computes
//
//	(adv + L1*wL1 + perc*wPerc [+ rL1*wrL1 + rPerc*wrPerc]) * wG
func ComposeGeneratorLoss(terms *GeneratorTerms, w LossWeights) (*tensor.Tensor, error) {
	if terms.Adversarial == nil || terms.L1 == nil || terms.Perceptual == nil {
		return nil, fmt.Errorf("generator loss: %w", ErrNoLossTerms)
	}
	parts := []*tensor.Tensor{
		terms.Adversarial,
		tensor.Scale(terms.L1, w.DigestingL1),
		tensor.Scale(terms.Perceptual, w.DigestingPerceptual),
	}
	if terms.HasRetention {
		if terms.RetentionL1 == nil || terms.RetentionPerceptual == nil {
			return nil, fmt.Errorf("generator retention loss: %w", ErrNoLossTerms)
		}
		parts = append(parts,
			tensor.Scale(terms.RetentionL1, w.RemindingL1),
			tensor.Scale(terms.RetentionPerceptual, w.RemindingPerceptual))
	}
	sum, err := SumLosses(parts)
	if err != nil {
		return nil, err
	}
	return tensor.Scale(sum, w.G), nil
}

// ComposeDiscriminatorLoss computes (fake + real) * lambda.
func ComposeDiscriminatorLoss(terms *DiscriminatorTerms, lambda float64) (*tensor.Tensor, error) {
	if terms.Fake == nil || terms.Real == nil {
		return nil, fmt.Errorf("discriminator loss: %w", ErrNoLossTerms)
	}
	sum, err := tensor.Add(terms.Fake, terms.Real)
	if err != nil {
		return nil, fmt.Errorf("discriminator loss: %w", err)
	}
	return tensor.Scale(sum, lambda), nil
}
