package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-remind/layers"
)

// RMSPropOptimizerState holds RMSProp hyperparameters and running averages
type RMSPropOptimizerState struct {
	LearningRate float32
	Alpha        float32 // Smoothing constant (typically 0.99)
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32 // 0.0 for no momentum
	Centered     bool    // subtract the running mean of gradients

	SquaredGradAvgBuffers [][]float32
	MomentumBuffers       [][]float32 // if momentum > 0
	GradientAvgBuffers    [][]float32 // if centered

	StepCount uint64

	params []*layers.Parameter
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates an RMSProp optimizer over params
func NewRMSPropOptimizer(config RMSPropConfig, params []*layers.Parameter) (*RMSPropOptimizerState, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Alpha < 0 || config.Alpha > 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1]: %f", config.Alpha)
	}

	r := &RMSPropOptimizerState{
		LearningRate:          config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: allocBuffers(params),
		params:                params,
	}
	if config.Momentum > 0 {
		r.MomentumBuffers = allocBuffers(params)
	}
	if config.Centered {
		r.GradientAvgBuffers = allocBuffers(params)
	}
	return r, nil
}

func allocBuffers(params []*layers.Parameter) [][]float32 {
	bufs := make([][]float32, len(params))
	for i, p := range params {
		bufs[i] = make([]float32, p.Value.NumElems)
	}
	return bufs
}

func (r *RMSPropOptimizerState) ZeroGrad() { zeroGrad(r.params) }

// Step performs a single RMSProp update
func (r *RMSPropOptimizerState) Step() error {
	r.StepCount++
	for i, p := range r.params {
		w := p.Value
		if !w.RequiresGrad() || w.Grad() == nil {
			continue
		}
		g := w.Grad().Data
		if len(g) != len(w.Data) {
			return fmt.Errorf("gradient of %s has %d elements, weight has %d", p.Name, len(g), len(w.Data))
		}
		sq := r.SquaredGradAvgBuffers[i]
		for j := range w.Data {
			grad := g[j] + r.WeightDecay*w.Data[j]
			sq[j] = r.Alpha*sq[j] + (1-r.Alpha)*grad*grad
			avg := sq[j]
			if r.Centered {
				ga := r.GradientAvgBuffers[i]
				ga[j] = r.Alpha*ga[j] + (1-r.Alpha)*grad
				avg -= ga[j] * ga[j]
			}
			denom := float32(math.Sqrt(float64(avg))) + r.Epsilon
			if r.MomentumBuffers != nil {
				buf := r.MomentumBuffers[i]
				buf[j] = r.Momentum*buf[j] + grad/denom
				w.Data[j] -= r.LearningRate * buf[j]
			} else {
				w.Data[j] -= r.LearningRate * grad / denom
			}
		}
	}
	return nil
}

func (r *RMSPropOptimizerState) UpdateLearningRate(newLR float32) { r.LearningRate = newLR }

func (r *RMSPropOptimizerState) GetLearningRate() float32 { return r.LearningRate }

func (r *RMSPropOptimizerState) GetStepCount() uint64 { return r.StepCount }

// GetState extracts running averages and hyperparameters for checkpointing
func (r *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]float64{
			"learning_rate": float64(r.LearningRate),
			"alpha":         float64(r.Alpha),
			"epsilon":       float64(r.Epsilon),
			"weight_decay":  float64(r.WeightDecay),
			"momentum":      float64(r.Momentum),
			"centered":      boolParam(r.Centered),
			"step_count":    float64(r.StepCount),
		},
	}
	for i, p := range r.params {
		state.StateData = append(state.StateData,
			extractBufferState(r.SquaredGradAvgBuffers[i], p.Value.Shape, fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg"))
		if r.MomentumBuffers != nil {
			state.StateData = append(state.StateData,
				extractBufferState(r.MomentumBuffers[i], p.Value.Shape, fmt.Sprintf("momentum_%d", i), "momentum"))
		}
		if r.GradientAvgBuffers != nil {
			state.StateData = append(state.StateData,
				extractBufferState(r.GradientAvgBuffers[i], p.Value.Shape, fmt.Sprintf("gradient_avg_%d", i), "gradient_avg"))
		}
	}
	return state, nil
}

// LoadState restores running averages and hyperparameters
func (r *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}
	r.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", r.LearningRate)
	r.Alpha = extractFloat32Param(state.Parameters, "alpha", r.Alpha)
	r.Epsilon = extractFloat32Param(state.Parameters, "epsilon", r.Epsilon)
	r.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", r.WeightDecay)
	r.StepCount = extractUint64Param(state.Parameters, "step_count", r.StepCount)

	if err := restoreIndexed(state, "squared_grad_avg", r.SquaredGradAvgBuffers); err != nil {
		return err
	}
	if err := restoreIndexed(state, "momentum", r.MomentumBuffers); err != nil {
		return err
	}
	return restoreIndexed(state, "gradient_avg", r.GradientAvgBuffers)
}
