package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-remind/tensor"
)

// ErrCheckpointNotFound is returned when a checkpoint file does not exist.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// legacyMetadataKey is a bookkeeping entry some exporters store next to the
// weights. It is never a parameter.
const legacyMetadataKey = "_metadata"

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format, including the dot.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatProto {
		return ".pb"
	}
	return ".json"
}

// ParseFormat maps "json" and "proto"/"pb" to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "proto", "pb", "protobuf":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) CheckpointFormat {
	if filepath.Ext(path) == ".pb" {
		return FormatProto
	}
	return FormatJSON
}

// NetworkPath returns {dir}/{epoch}_net_{name}{ext}.
func NetworkPath(dir, epoch, name string, format CheckpointFormat) string {
	return filepath.Join(dir, fmt.Sprintf("%s_net_%s%s", epoch, name, format.Extension()))
}

// OptimizerPath returns {dir}/{epoch}_optim_{name}{ext}.
func OptimizerPath(dir, epoch, name string, format CheckpointFormat) string {
	return filepath.Join(dir, fmt.Sprintf("%s_optim_%s%s", epoch, name, format.Extension()))
}

// Checkpoint is the on-disk state of one network or one optimizer.
type Checkpoint struct {
	Network string         `json:"network"`
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the training progress at save time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
}

// OptimizerState captures optimizer-specific state (moments, velocity, step count)
type OptimizerState struct {
	Type       string             `json:"type"` // "Adam", "SGD"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents one optimizer state tensor
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v", "velocity"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving checkpoints in one format
type CheckpointSaver struct {
	format CheckpointFormat
}

func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

func (cs *CheckpointSaver) Format() CheckpointFormat { return cs.format }

// SaveCheckpoint writes checkpoint to path, creating parent directories.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-remind"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating checkpoint directory for %s", path)
	}

	var data []byte
	switch cs.format {
	case FormatJSON:
		var err error
		data, err = json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return errors.Wrapf(err, "encoding checkpoint %s", path)
		}
	case FormatProto:
		data = marshalCheckpoint(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}

	// atomic replace
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing checkpoint %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "writing checkpoint %s", path)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written in the saver's format.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrCheckpointNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "reading checkpoint %s", path)
	}

	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, errors.Wrapf(err, "decoding checkpoint %s", path)
		}
		return &checkpoint, nil
	case FormatProto:
		checkpoint, err := unmarshalCheckpoint(data)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding checkpoint %s", path)
		}
		return checkpoint, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// WeightsFromState converts a state dict into weight records sorted by name.
func WeightsFromState(state map[string]*tensor.Tensor) []WeightTensor {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	weights := make([]WeightTensor, 0, len(names))
	for _, name := range names {
		t := state[name]
		layer, kind := name, "weight"
		if i := strings.LastIndex(name, "."); i >= 0 {
			layer, kind = name[:i], name[i+1:]
		}
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float32(nil), t.Data...),
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// StateFromWeights rebuilds a state dict, dropping legacy metadata entries.
func StateFromWeights(weights []WeightTensor) (map[string]*tensor.Tensor, error) {
	state := make(map[string]*tensor.Tensor, len(weights))
	for _, w := range weights {
		if w.Name == legacyMetadataKey || strings.HasPrefix(w.Name, legacyMetadataKey+".") {
			continue
		}
		t, err := tensor.NewTensor(w.Shape, w.Data)
		if err != nil {
			return nil, fmt.Errorf("weight %s: %w", w.Name, err)
		}
		state[w.Name] = t
	}
	return state, nil
}

// SaveStateDict writes a network state dict; the format follows the file extension.
func SaveStateDict(path, network string, state map[string]*tensor.Tensor, meta CheckpointMetadata) error {
	cp := &Checkpoint{Network: network, Weights: WeightsFromState(state), Metadata: meta}
	return NewCheckpointSaver(FormatFromPath(path)).SaveCheckpoint(cp, path)
}

// LoadStateDict reads a network state dict; the format follows the file extension.
func LoadStateDict(path string) (map[string]*tensor.Tensor, error) {
	cp, err := NewCheckpointSaver(FormatFromPath(path)).LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	state, err := StateFromWeights(cp.Weights)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}
	return state, nil
}
