package checkpoints

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-remind/tensor"
)

func testState(t *testing.T) map[string]*tensor.Tensor {
	t.Helper()
	w, err := tensor.NewTensor([]int{2, 1, 1, 2}, []float32{0.5, -1.25, 3, 1e-3})
	if err != nil {
		t.Fatal(err)
	}
	b, err := tensor.NewTensor([]int{2}, []float32{0.1, -0.2})
	if err != nil {
		t.Fatal(err)
	}
	return map[string]*tensor.Tensor{"level0.down.conv.weight": w, "level0.down.conv.bias": b}
}

func TestNetworkPath(t *testing.T) {
	tests := []struct {
		epoch, name string
		format      CheckpointFormat
		want        string
	}{
		{"400", "G", FormatJSON, "ckpt/400_net_G.json"},
		{"latest", "D_1", FormatProto, "ckpt/latest_net_D_1.pb"},
	}
	for _, tt := range tests {
		if got := NetworkPath("ckpt", tt.epoch, tt.name, tt.format); got != filepath.FromSlash(tt.want) {
			t.Errorf("NetworkPath(%s, %s) = %s, want %s", tt.epoch, tt.name, got, tt.want)
		}
	}
	if got := OptimizerPath("ckpt", "5", "G", FormatJSON); got != filepath.FromSlash("ckpt/5_optim_G.json") {
		t.Errorf("OptimizerPath = %s", got)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"", FormatJSON, false},
		{"proto", FormatProto, false},
		{"PB", FormatProto, false},
		{"onnx", FormatJSON, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			path := NetworkPath(t.TempDir(), "3", "G", format)
			state := testState(t)
			meta := CheckpointMetadata{RunID: "run-1", Description: "unit", Tags: []string{"a", "b"}}
			if err := SaveStateDict(path, "unet_8", state, meta); err != nil {
				t.Fatalf("SaveStateDict failed: %v", err)
			}
			loaded, err := LoadStateDict(path)
			if err != nil {
				t.Fatalf("LoadStateDict failed: %v", err)
			}
			if len(loaded) != len(state) {
				t.Fatalf("loaded %d tensors, want %d", len(loaded), len(state))
			}
			for name, want := range state {
				got, ok := loaded[name]
				if !ok {
					t.Fatalf("missing %s", name)
				}
				if !got.Equal(want) {
					t.Errorf("%s = %v, want %v", name, got.Data, want.Data)
				}
			}
		})
	}
}

func TestCheckpointRoundTripKeepsEverything(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			cp := &Checkpoint{
				Network:       "optimizer_G",
				TrainingState: TrainingState{Epoch: 7, Step: 1200, LearningRate: 2e-4},
				OptimizerState: &OptimizerState{
					Type:       "Adam",
					Parameters: map[string]float64{"beta1": 0.5, "step_count": 1200},
					StateData: []OptimizerTensor{
						{Name: "m_0", Shape: []int{2}, Data: []float32{1, 2}, StateType: "m"},
						{Name: "v_0", Shape: []int{2}, Data: []float32{3, 4}, StateType: "v"},
					},
				},
				Metadata: CheckpointMetadata{Version: "1.0.0", Framework: "go-remind", CreatedAt: created, RunID: "r"},
			}
			path := OptimizerPath(t.TempDir(), "7", "G", format)
			saver := NewCheckpointSaver(format)
			if err := saver.SaveCheckpoint(cp, path); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}
			got, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}
			if got.Network != cp.Network || got.TrainingState != cp.TrainingState {
				t.Errorf("header mismatch: %+v", got)
			}
			if !got.Metadata.CreatedAt.Equal(created) || got.Metadata.RunID != "r" {
				t.Errorf("metadata mismatch: %+v", got.Metadata)
			}
			st := got.OptimizerState
			if st == nil || st.Type != "Adam" || st.Parameters["beta1"] != 0.5 || st.Parameters["step_count"] != 1200 {
				t.Fatalf("optimizer state mismatch: %+v", st)
			}
			if len(st.StateData) != 2 || st.StateData[1].Data[1] != 4 || st.StateData[0].StateType != "m" {
				t.Errorf("optimizer tensors mismatch: %+v", st.StateData)
			}
		})
	}
}

func TestLegacyMetadataIsDropped(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "1_net_G.json")
	raw := `{"network":"G","weights":[` +
		`{"name":"_metadata","shape":[1],"data":[0]},` +
		`{"name":"c.weight","shape":[1],"data":[2]}],"_metadata":{"version":1}}`
	if err := os.WriteFile(jsonPath, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	state, err := LoadStateDict(jsonPath)
	if err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	if _, ok := state["_metadata"]; ok || len(state) != 1 {
		t.Errorf("expected only c.weight, got %v", keys(state))
	}

	pbPath := filepath.Join(dir, "1_net_G.pb")
	data := marshalCheckpoint(&Checkpoint{Network: "G", Weights: WeightsFromState(testState(t))})
	data = appendMessage(data, fieldLegacyMetadata, []byte("legacy"))
	if err := os.WriteFile(pbPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	state, err = LoadStateDict(pbPath)
	if err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	if len(state) != 2 {
		t.Errorf("expected 2 tensors, got %v", keys(state))
	}
}

func TestMissingCheckpointNamesPath(t *testing.T) {
	path := NetworkPath(t.TempDir(), "400", "G", FormatJSON)
	_, err := LoadStateDict(path)
	if !errors.Is(err, ErrCheckpointNotFound) {
		t.Fatalf("expected ErrCheckpointNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), path) {
		t.Errorf("error %q should name %s", err, path)
	}
}

func TestCorruptProtoFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pb")
	if err := os.WriteFile(path, []byte{0x12, 0xff}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadStateDict(path); err == nil {
		t.Error("expected a decode error")
	}
}

func keys(m map[string]*tensor.Tensor) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
