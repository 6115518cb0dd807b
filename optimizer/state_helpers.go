package optimizer

import (
	"fmt"

	"github.com/tsawler/go-remind/checkpoints"
)

// extractBufferState copies a single state buffer for checkpointing
func extractBufferState(buffer []float32, shape []int, name, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState copies checkpointed data back into a state buffer
func restoreBufferState(buffer, data []float32, name string) error {
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d", name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// restoreIndexed routes every state tensor of the given type to buffers[idx]
// where idx is parsed from the tensor name.
func restoreIndexed(state *OptimizerState, stateType string, buffers [][]float32) error {
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid %s buffer index in %s", stateType, t.Name)
		}
		if buffers[idx] == nil {
			return fmt.Errorf("%s buffer %d is not allocated", stateType, idx)
		}
		if err := restoreBufferState(buffers[idx], t.Data, t.Name); err != nil {
			return err
		}
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]float64, key string, defaultValue float32) float32 {
	if val, ok := params[key]; ok {
		return float32(val)
	}
	return defaultValue
}

// extractBoolParam reads a flag stored as 0/1
func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if val, ok := params[key]; ok {
		return val != 0
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok {
		return uint64(val)
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
