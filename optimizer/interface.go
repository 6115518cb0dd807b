// Package optimizer updates network parameters from their accumulated gradients.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-remind/checkpoints"
	"github.com/tsawler/go-remind/layers"
	"github.com/tsawler/go-remind/tensor"
)

// Optimizer defines the common interface for all optimizers.
// Parameters whose tensor does not require grad, or has no gradient yet, are
// skipped by Step.
type Optimizer interface {
	// ZeroGrad clears the gradients of every parameter
	ZeroGrad()

	// Step performs a single optimization step
	Step() error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *OptimizerState) error

	GetStepCount() uint64

	UpdateLearningRate(lr float32)

	GetLearningRate() float32
}

// OptimizerState is the serializable form shared with the checkpoints package
type OptimizerState = checkpoints.OptimizerState

// Config selects an optimizer by name; fields that do not apply to the
// chosen optimizer are ignored.
type Config struct {
	Name         string // adam, sgd or rmsprop
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Momentum     float32
	WeightDecay  float32
}

// New builds the optimizer named in cfg over params.
func New(cfg Config, params []*layers.Parameter) (Optimizer, error) {
	switch strings.ToLower(cfg.Name) {
	case "adam", "":
		c := DefaultAdamConfig()
		c.LearningRate = cfg.LearningRate
		if cfg.Beta1 != 0 {
			c.Beta1 = cfg.Beta1
		}
		if cfg.Beta2 != 0 {
			c.Beta2 = cfg.Beta2
		}
		c.WeightDecay = cfg.WeightDecay
		return NewAdamOptimizer(c, params)
	case "sgd":
		c := DefaultSGDConfig()
		c.LearningRate = cfg.LearningRate
		c.Momentum = cfg.Momentum
		c.WeightDecay = cfg.WeightDecay
		return NewSGDOptimizer(c, params)
	case "rmsprop":
		c := DefaultRMSPropConfig()
		c.LearningRate = cfg.LearningRate
		c.Momentum = cfg.Momentum
		c.WeightDecay = cfg.WeightDecay
		return NewRMSPropOptimizer(c, params)
	default:
		return nil, fmt.Errorf("optimizer [%s] is not implemented", cfg.Name)
	}
}

// extractBufferIndex extracts the parameter index from state tensor names like "m_0", "v_12"
func extractBufferIndex(name string) int {
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return -1
	}
	var idx int
	if n, err := fmt.Sscanf(name[i+1:], "%d", &idx); n != 1 || err != nil {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func zeroGrad(params []*layers.Parameter) {
	values := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		values[i] = p.Value
	}
	tensor.ZeroGrad(values)
}

func checkParams(params []*layers.Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for i, p := range params {
		if p == nil || p.Value == nil {
			return fmt.Errorf("parameter %d is nil", i)
		}
	}
	return nil
}
