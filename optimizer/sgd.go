package optimizer

import (
	"fmt"

	"github.com/tsawler/go-remind/layers"
)

// SGDOptimizerState holds SGD hyperparameters and optional momentum buffers
type SGDOptimizerState struct {
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32
	Nesterov     bool

	MomentumBuffers [][]float32 // only if momentum > 0

	StepCount uint64

	params []*layers.Parameter
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*layers.Parameter) (*SGDOptimizerState, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = make([][]float32, len(params))
		for i, p := range params {
			sgd.MomentumBuffers[i] = make([]float32, p.Value.NumElems)
		}
	}
	return sgd, nil
}

func (sgd *SGDOptimizerState) ZeroGrad() { zeroGrad(sgd.params) }

// Step performs a single SGD update
func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++
	for i, p := range sgd.params {
		w := p.Value
		if !w.RequiresGrad() || w.Grad() == nil {
			continue
		}
		g := w.Grad().Data
		if len(g) != len(w.Data) {
			return fmt.Errorf("gradient of %s has %d elements, weight has %d", p.Name, len(g), len(w.Data))
		}
		for j := range w.Data {
			d := g[j] + sgd.WeightDecay*w.Data[j]
			if sgd.MomentumBuffers != nil {
				buf := sgd.MomentumBuffers[i]
				if sgd.StepCount == 1 {
					buf[j] = d
				} else {
					buf[j] = sgd.Momentum*buf[j] + d
				}
				if sgd.Nesterov {
					d += sgd.Momentum * buf[j]
				} else {
					d = buf[j]
				}
			}
			w.Data[j] -= sgd.LearningRate * d
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

func (sgd *SGDOptimizerState) GetLearningRate() float32 { return sgd.LearningRate }

func (sgd *SGDOptimizerState) GetStepCount() uint64 { return sgd.StepCount }

// GetState extracts momentum buffers and hyperparameters for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": float64(sgd.LearningRate),
			"momentum":      float64(sgd.Momentum),
			"weight_decay":  float64(sgd.WeightDecay),
			"nesterov":      boolParam(sgd.Nesterov),
			"step_count":    float64(sgd.StepCount),
		},
	}
	for i, buf := range sgd.MomentumBuffers {
		state.StateData = append(state.StateData,
			extractBufferState(buf, sgd.params[i].Value.Shape, fmt.Sprintf("momentum_%d", i), "momentum"))
	}
	return state, nil
}

// LoadState restores momentum buffers and hyperparameters
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)
	return restoreIndexed(state, "momentum", sgd.MomentumBuffers)
}
