package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-remind/layers"
)

// AdamOptimizerState holds Adam hyperparameters and per-parameter moments
type AdamOptimizerState struct {
	LearningRate float32
	Beta1        float32 // Momentum decay (0.5 for GAN training)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32
	WeightDecay  float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // First moment for each parameter
	VarianceBuffers [][]float32 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64

	params []*layers.Parameter
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer over params with zeroed moments
func NewAdamOptimizer(config AdamConfig, params []*layers.Parameter) (*AdamOptimizerState, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1): %f, %f", config.Beta1, config.Beta2)
	}

	adam := &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float32, len(params)),
		VarianceBuffers: make([][]float32, len(params)),
		params:          params,
	}
	for i, p := range params {
		adam.MomentumBuffers[i] = make([]float32, p.Value.NumElems)
		adam.VarianceBuffers[i] = make([]float32, p.Value.NumElems)
	}
	return adam, nil
}

func (adam *AdamOptimizerState) ZeroGrad() { zeroGrad(adam.params) }

// Step performs a single Adam update with bias correction
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	bc1 := 1 - math.Pow(float64(adam.Beta1), float64(adam.StepCount))
	bc2 := 1 - math.Pow(float64(adam.Beta2), float64(adam.StepCount))
	stepSize := float64(adam.LearningRate) / bc1
	b1, b2 := adam.Beta1, adam.Beta2

	for i, p := range adam.params {
		w := p.Value
		if !w.RequiresGrad() || w.Grad() == nil {
			continue
		}
		g := w.Grad().Data
		if len(g) != len(w.Data) {
			return fmt.Errorf("gradient of %s has %d elements, weight has %d", p.Name, len(g), len(w.Data))
		}
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		for j := range w.Data {
			grad := g[j] + adam.WeightDecay*w.Data[j]
			m[j] = b1*m[j] + (1-b1)*grad
			v[j] = b2*v[j] + (1-b2)*grad*grad
			denom := math.Sqrt(float64(v[j])/bc2) + float64(adam.Epsilon)
			w.Data[j] -= float32(stepSize * float64(m[j]) / denom)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate (used by the schedulers)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

func (adam *AdamOptimizerState) GetLearningRate() float32 { return adam.LearningRate }

func (adam *AdamOptimizerState) GetStepCount() uint64 { return adam.StepCount }

// GetState extracts moments and hyperparameters for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": float64(adam.LearningRate),
			"beta1":         float64(adam.Beta1),
			"beta2":         float64(adam.Beta2),
			"epsilon":       float64(adam.Epsilon),
			"weight_decay":  float64(adam.WeightDecay),
			"step_count":    float64(adam.StepCount),
		},
	}
	for i, p := range adam.params {
		state.StateData = append(state.StateData,
			extractBufferState(adam.MomentumBuffers[i], p.Value.Shape, fmt.Sprintf("m_%d", i), "m"),
			extractBufferState(adam.VarianceBuffers[i], p.Value.Shape, fmt.Sprintf("v_%d", i), "v"))
	}
	return state, nil
}

// LoadState restores moments and hyperparameters
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	if err := restoreIndexed(state, "m", adam.MomentumBuffers); err != nil {
		return err
	}
	return restoreIndexed(state, "v", adam.VarianceBuffers)
}
