package checkpoints

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint messages. The layout is plain
// protobuf wire format so the files can be inspected with protoc --decode_raw.
//
//	Checkpoint      { 1 network, 2 repeated Weight, 3 TrainingState, 4 OptimizerState, 5 Metadata, 15 legacy metadata }
//	Weight          { 1 name, 2 packed shape, 3 packed float data, 4 layer, 5 type }
//	TrainingState   { 1 epoch, 2 step, 3 learning rate }
//	OptimizerState  { 1 type, 2 repeated Param{1 key, 2 value}, 3 repeated OptimizerTensor }
//	OptimizerTensor { 1 name, 2 packed shape, 3 packed float data, 4 state type }
//	Metadata        { 1 version, 2 framework, 3 created unix nanos, 4 run id, 5 description, 6 repeated tags }
const (
	fieldNetwork        protowire.Number = 1
	fieldWeights        protowire.Number = 2
	fieldTrainingState  protowire.Number = 3
	fieldOptimizerState protowire.Number = 4
	fieldMetadata       protowire.Number = 5
	fieldLegacyMetadata protowire.Number = 15
)

func marshalCheckpoint(cp *Checkpoint) []byte {
	var b []byte
	b = appendString(b, fieldNetwork, cp.Network)
	for _, w := range cp.Weights {
		b = appendMessage(b, fieldWeights, marshalTensor(w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}
	b = appendMessage(b, fieldTrainingState, marshalTrainingState(cp.TrainingState))
	if cp.OptimizerState != nil {
		b = appendMessage(b, fieldOptimizerState, marshalOptimizerState(cp.OptimizerState))
	}
	b = appendMessage(b, fieldMetadata, marshalMetadata(cp.Metadata))
	return b
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case fieldNetwork:
			cp.Network = string(v)
		case fieldWeights:
			var w WeightTensor
			if err := unmarshalTensor(v, &w.Name, &w.Shape, &w.Data, &w.Layer, &w.Type); err != nil {
				return fmt.Errorf("weight: %w", err)
			}
			cp.Weights = append(cp.Weights, w)
		case fieldTrainingState:
			return unmarshalTrainingState(v, &cp.TrainingState)
		case fieldOptimizerState:
			st, err := unmarshalOptimizerState(v)
			if err != nil {
				return fmt.Errorf("optimizer state: %w", err)
			}
			cp.OptimizerState = st
		case fieldMetadata:
			return unmarshalMetadata(v, &cp.Metadata)
		case fieldLegacyMetadata:
			// dropped
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func marshalTensor(name string, shape []int, data []float32, kind, subtype string) []byte {
	var b []byte
	b = appendString(b, 1, name)
	b = appendPackedInts(b, 2, shape)
	b = appendPackedFloats(b, 3, data)
	b = appendString(b, 4, kind)
	if subtype != "" {
		b = appendString(b, 5, subtype)
	}
	return b
}

func unmarshalTensor(b []byte, name *string, shape *[]int, data *[]float32, kind, subtype *string) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		var err error
		switch num {
		case 1:
			*name = string(v)
		case 2:
			*shape, err = consumePackedInts(v)
		case 3:
			*data, err = consumePackedFloats(v)
		case 4:
			*kind = string(v)
		case 5:
			*subtype = string(v)
		}
		return err
	})
}

func marshalTrainingState(ts TrainingState) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(ts.Epoch))
	b = appendVarint(b, 2, uint64(ts.Step))
	b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(ts.LearningRate))
}

func unmarshalTrainingState(b []byte, ts *TrainingState) error {
	return walkFields(b, func(num protowire.Number, _ protowire.Type, _ []byte, scalar uint64) error {
		switch num {
		case 1:
			ts.Epoch = int(scalar)
		case 2:
			ts.Step = int(scalar)
		case 3:
			ts.LearningRate = math.Float32frombits(uint32(scalar))
		}
		return nil
	})
}

func marshalOptimizerState(st *OptimizerState) []byte {
	var b []byte
	b = appendString(b, 1, st.Type)
	keys := make([]string, 0, len(st.Parameters))
	for k := range st.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var p []byte
		p = appendString(p, 1, k)
		p = protowire.AppendTag(p, 2, protowire.Fixed64Type)
		p = protowire.AppendFixed64(p, math.Float64bits(st.Parameters[k]))
		b = appendMessage(b, 2, p)
	}
	for _, t := range st.StateData {
		b = appendMessage(b, 3, marshalTensor(t.Name, t.Shape, t.Data, t.StateType, ""))
	}
	return b
}

func unmarshalOptimizerState(b []byte) (*OptimizerState, error) {
	st := &OptimizerState{Parameters: make(map[string]float64)}
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			st.Type = string(v)
		case 2:
			var key string
			var value float64
			err := walkFields(v, func(n protowire.Number, _ protowire.Type, pv []byte, scalar uint64) error {
				switch n {
				case 1:
					key = string(pv)
				case 2:
					value = math.Float64frombits(scalar)
				}
				return nil
			})
			if err != nil {
				return err
			}
			st.Parameters[key] = value
		case 3:
			var t OptimizerTensor
			var unused string
			if err := unmarshalTensor(v, &t.Name, &t.Shape, &t.Data, &t.StateType, &unused); err != nil {
				return err
			}
			st.StateData = append(st.StateData, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarint(b, 3, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, 4, m.RunID)
	b = appendString(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	return walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte, scalar uint64) error {
		switch num {
		case 1:
			m.Version = string(v)
		case 2:
			m.Framework = string(v)
		case 3:
			m.CreatedAt = time.Unix(0, int64(scalar))
		case 4:
			m.RunID = string(v)
		case 5:
			m.Description = string(v)
		case 6:
			m.Tags = append(m.Tags, string(v))
		}
		return nil
	})
}

// walkFields calls fn for every field in b. Length-delimited values are
// passed as v, scalar values (varint, fixed32, fixed64) as scalar.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v      []byte
			scalar uint64
		)
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			scalar = uint64(x)
		case protowire.Fixed64Type:
			scalar, n = protowire.ConsumeFixed64(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, scalar); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedInts(b []byte, num protowire.Number, values []int) []byte {
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, values []float32) []byte {
	packed := make([]byte, 0, 4*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func consumePackedInts(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(v))
		b = b[n:]
	}
	return out, nil
}

func consumePackedFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("packed float field has %d bytes", len(b))
	}
	out := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}
