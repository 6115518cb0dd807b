package training

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-remind/tensor"
)

// ErrNoLossTerms is returned when a loss sum is asked to fold an empty sequence.
var ErrNoLossTerms = errors.New("no loss terms to sum")

// GANLoss scores discriminator logits against a real or fake label.
//
//	vanilla: binary cross entropy on logits
//	lsgan:   mean squared error to the label
type GANLoss struct {
	Mode      string
	RealLabel float32
	FakeLabel float32
}

// NewGANLoss creates a GAN criterion with labels 1 (real) and 0 (fake).
func NewGANLoss(mode string) (*GANLoss, error) {
	switch mode {
	case "vanilla", "lsgan":
	default:
		return nil, fmt.Errorf("gan mode %s not implemented", mode)
	}
	return &GANLoss{Mode: mode, RealLabel: 1, FakeLabel: 0}, nil
}

// Compute returns the scalar loss of pred against the chosen label.
func (l *GANLoss) Compute(pred *tensor.Tensor, targetIsReal bool) (*tensor.Tensor, error) {
	label := l.FakeLabel
	if targetIsReal {
		label = l.RealLabel
	}
	switch l.Mode {
	case "vanilla":
		return tensor.BCEWithLogits(pred, label), nil
	case "lsgan":
		target, err := tensor.Full(pred.Shape, label)
		if err != nil {
			return nil, err
		}
		return tensor.MSEDistance(pred, target)
	default:
		return nil, fmt.Errorf("gan mode %s not implemented", l.Mode)
	}
}

// L1Loss is the mean absolute difference between two images.
func L1Loss(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	loss, err := tensor.L1Distance(pred, target)
	if err != nil {
		return nil, fmt.Errorf("l1 loss: %w", err)
	}
	return loss, nil
}
