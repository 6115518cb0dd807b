package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-remind/checkpoints"
	"github.com/tsawler/go-remind/config"
	"github.com/tsawler/go-remind/networks"
	"github.com/tsawler/go-remind/tensor"
	"github.com/tsawler/go-remind/vision/dataset"
)

// tinyOptions returns options for 8x8 single channel images with the
// smallest networks that still exercise every layer type.
func tinyOptions(t *testing.T, taskNum int) *config.Options {
	t.Helper()
	opt := config.Default()
	opt.Name = "tiny"
	opt.CheckpointsDir = t.TempDir()
	opt.TaskNum = taskNum
	opt.SamplesPerTask = 2
	opt.LoadSize = 8
	opt.NetG = "unet_8"
	opt.NetD = "pixel"
	opt.NGF = 2
	opt.NDF = 2
	opt.InputNC = 1
	opt.OutputNC = 1
	opt.NEpochs = 1
	opt.NEpochsDecay = 1
	return opt
}

// savePreviousModel writes a generator for the previous task and points
// opt at it.
func savePreviousModel(t *testing.T, opt *config.Options) map[string]*tensor.Tensor {
	t.Helper()
	g, err := networks.DefineG(networks.GeneratorConfig{
		Arch: opt.NetG, InputChannels: opt.InputNC, OutputChannels: opt.OutputNC, Filters: opt.NGF,
		Norm: opt.Norm, UseDropout: true, ImageSize: opt.LoadSize, InitType: "normal", InitGain: 0.02, Seed: 99,
	})
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	state := networks.StateDict(g)
	path := checkpoints.NetworkPath(dir, "latest", "G", checkpoints.FormatJSON)
	if err := checkpoints.SaveStateDict(path, "G", state, checkpoints.CheckpointMetadata{}); err != nil {
		t.Fatal(err)
	}
	opt.PrevModelPath = dir
	return state
}

func randomBatch(t *testing.T, streams, n, channels, size int, seed int64) *dataset.Batch {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	b := &dataset.Batch{
		Images: make(map[string]*tensor.Tensor),
		Paths:  make(map[string][]string),
	}
	for i := 0; i < streams; i++ {
		for _, key := range []string{dataset.KeyA(i), dataset.KeyB(i)} {
			x, err := tensor.RandomUniform([]int{n, channels, size, size}, -1, 1, rng)
			if err != nil {
				t.Fatal(err)
			}
			b.Images[key] = x
		}
		paths := make([]string, n)
		for j := range paths {
			paths[j] = fmt.Sprintf("task%d/%d_%d.png", i/2, i, j)
		}
		b.Paths[dataset.KeyPaths(i)] = paths
	}
	return b
}

func newTrainedModel(t *testing.T, opt *config.Options) *LifelongModel {
	t.Helper()
	m, err := NewLifelongModel(opt, true)
	if err != nil {
		t.Fatalf("NewLifelongModel failed: %v", err)
	}
	if err := m.SetInput(randomBatch(t, opt.StreamCount(), 1, opt.InputNC, opt.LoadSize, 3)); err != nil {
		t.Fatalf("SetInput failed: %v", err)
	}
	if err := m.OptimizeParameters(context.Background()); err != nil {
		t.Fatalf("OptimizeParameters failed: %v", err)
	}
	return m
}

func cloneState(n networks.Network) map[string]*tensor.Tensor {
	state := networks.StateDict(n)
	for k, v := range state {
		state[k] = v.Clone()
	}
	return state
}

func sameState(a, b map[string]*tensor.Tensor) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}

func TestFirstTaskHasNoRetention(t *testing.T) {
	m := newTrainedModel(t, tinyOptions(t, 1))

	if m.NetGPrev != nil {
		t.Error("the first task should not build a frozen generator")
	}
	if m.HasRetention() || m.gTerms.HasRetention {
		t.Error("the first task should not compute retention losses")
	}
	if m.outputs.Retention != nil {
		t.Error("no previous-task outputs expected")
	}
	if len(m.NetD) != 2 {
		t.Errorf("got %d discriminators, want one per sample", len(m.NetD))
	}

	losses := m.CurrentLosses()
	if len(losses) != 5 {
		t.Errorf("got %d losses, want 5: %v", len(losses), losses)
	}
	for _, name := range m.LossNames() {
		v, ok := losses[name]
		if !ok {
			t.Errorf("missing loss %s", name)
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s = %v", name, v)
		}
	}

	// loss_G is exactly the weighted digesting terms
	w := m.gStep.Weights
	want := (losses["G_GAN_all"] + losses["G_L1_all"]*w.DigestingL1 + losses["G_perceptual_all"]*w.DigestingPerceptual) * w.G
	got, _ := m.lossG.Item()
	if math.Abs(got-want) > 1e-4*math.Max(1, math.Abs(want)) {
		t.Errorf("loss_G = %v, want %v", got, want)
	}
}

func TestRetentionCoversPreviousStreams(t *testing.T) {
	for _, taskNum := range []int{2, 3} {
		t.Run(fmt.Sprintf("task_%d", taskNum), func(t *testing.T) {
			opt := tinyOptions(t, taskNum)
			savePreviousModel(t, opt)
			m := newTrainedModel(t, opt)

			want := 2*taskNum - 2
			if !m.gTerms.HasRetention || m.gTerms.RetentionStreams != want {
				t.Errorf("retention over %d streams, want %d", m.gTerms.RetentionStreams, want)
			}
			if len(m.outputs.Current) != 2 {
				t.Errorf("%d current outputs, want 2", len(m.outputs.Current))
			}
			if len(m.outputs.Retention.Trainable) != want || len(m.outputs.Retention.Frozen) != want {
				t.Errorf("retention outputs %d/%d, want %d",
					len(m.outputs.Retention.Trainable), len(m.outputs.Retention.Frozen), want)
			}
			for _, f := range m.outputs.Retention.Frozen {
				if f.RequiresGrad() {
					t.Error("frozen outputs must not carry gradients")
				}
			}
			if _, ok := m.CurrentLosses()["reminding_L1_all"]; !ok {
				t.Error("reminding losses should be reported")
			}
		})
	}
}

func TestNoLifelongFineTunes(t *testing.T) {
	opt := tinyOptions(t, 2)
	opt.NoLifelong = true
	m := newTrainedModel(t, opt)
	if m.HasRetention() || m.gTerms.HasRetention {
		t.Error("no_lifelong should disable retention")
	}
	if len(m.outputs.Current) != 2 {
		t.Errorf("%d current outputs, want 2", len(m.outputs.Current))
	}
}

func TestFrozenGeneratorStaysFixed(t *testing.T) {
	opt := tinyOptions(t, 2)
	prev := savePreviousModel(t, opt)

	m, err := NewLifelongModel(opt, true)
	if err != nil {
		t.Fatal(err)
	}
	if !sameState(networks.StateDict(m.NetG), prev) || !sameState(networks.StateDict(m.NetGPrev), prev) {
		t.Fatal("both generators should start from the previous model")
	}
	for _, p := range m.NetGPrev.Parameters() {
		if p.Value.RequiresGrad() {
			t.Fatalf("frozen parameter %s requires grad", p.Name)
		}
	}

	for step := 0; step < 2; step++ {
		if err := m.SetInput(randomBatch(t, opt.StreamCount(), 1, 1, 8, int64(step))); err != nil {
			t.Fatal(err)
		}
		if err := m.OptimizeParameters(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if !sameState(networks.StateDict(m.NetGPrev), prev) {
		t.Error("the frozen generator changed during training")
	}
	if sameState(networks.StateDict(m.NetG), prev) {
		t.Error("the trainable generator should have been updated")
	}
}

func TestOptimizeLeavesDiscriminatorsFrozen(t *testing.T) {
	m := newTrainedModel(t, tinyOptions(t, 1))
	for i, netD := range m.NetD {
		for _, p := range netD.Parameters() {
			if p.Value.RequiresGrad() {
				t.Fatalf("D_%d parameter %s still requires grad after the step", i, p.Name)
			}
		}
	}
}

func TestNewLifelongModelErrors(t *testing.T) {
	opt := tinyOptions(t, 2)
	if _, err := NewLifelongModel(opt, true); !errors.Is(err, config.ErrInvalidOptions) {
		t.Errorf("missing prev_model_path: got %v, want ErrInvalidOptions", err)
	}

	opt.PrevModelPath = t.TempDir()
	_, err := NewLifelongModel(opt, true)
	if !errors.Is(err, checkpoints.ErrCheckpointNotFound) {
		t.Fatalf("missing checkpoint: got %v, want ErrCheckpointNotFound", err)
	}
	if !strings.Contains(err.Error(), "latest_net_G") {
		t.Errorf("error should name the checkpoint path: %v", err)
	}

	opt = tinyOptions(t, 1)
	opt.NetG = "unet_7"
	if _, err := NewLifelongModel(opt, true); err == nil {
		t.Error("expected an error for an unknown generator")
	}
}

func TestOptimizeRequiresTrainingModel(t *testing.T) {
	m, err := NewLifelongModel(tinyOptions(t, 1), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.OptimizeParameters(context.Background()); err == nil {
		t.Error("expected an error for an inference model")
	}
	if err := m.Test(); err == nil {
		t.Error("expected an error before SetInput")
	}
}

func TestVisuals(t *testing.T) {
	opt := tinyOptions(t, 2)
	savePreviousModel(t, opt)
	m := newTrainedModel(t, opt)

	names := m.VisualNames()
	want := []string{"real_A_prev1", "real_B_prev1", "fake_B_cur_prev1", "fake_B_prev1", "real_A_cur1", "fake_B_cur1", "real_B_cur1"}
	if len(names) != 14 {
		t.Fatalf("got %d visual names, want 14", len(names))
	}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("visual %d = %s, want %s", i, names[i], name)
		}
	}

	visuals := m.CurrentVisuals()
	for _, name := range names {
		v, ok := visuals[name]
		if !ok {
			t.Errorf("missing visual %s", name)
			continue
		}
		if v.Shape[1] != 1 || v.Shape[2] != 8 {
			t.Errorf("%s has shape %v", name, v.Shape)
		}
	}
	if paths := m.ImagePaths(); len(paths) != 2 || paths[0] != "task1/2_0.png" {
		t.Errorf("ImagePaths() = %v", paths)
	}
}

func TestTestAndTranslate(t *testing.T) {
	opt := tinyOptions(t, 1)
	m := newTrainedModel(t, opt)
	if err := m.Test(); err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	for _, p := range m.NetG.Parameters() {
		if !p.Value.RequiresGrad() {
			t.Fatal("Test should restore gradient tracking of a training model")
		}
	}

	a := randomBatch(t, 1, 2, 1, 8, 5).Images[dataset.KeyA(0)]
	out, err := m.Translate(a)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if out.Shape[0] != 2 || out.RequiresGrad() {
		t.Errorf("translated shape %v, requires grad %v", out.Shape, out.RequiresGrad())
	}
}

func TestUpdateLearningRate(t *testing.T) {
	m := newTrainedModel(t, tinyOptions(t, 1))
	if lr := m.LearningRate(); math.Abs(lr-0.0002) > 1e-9 {
		t.Fatalf("initial lr %v", lr)
	}
	lr := m.UpdateLearningRate(0)
	if math.Abs(lr-0.0001) > 1e-9 {
		t.Errorf("lr after one epoch %v, want 0.0001", lr)
	}
	for _, o := range m.optimizers() {
		if math.Abs(float64(o.GetLearningRate())-lr) > 1e-9 {
			t.Errorf("optimizer lr %v, want %v", o.GetLearningRate(), lr)
		}
	}
}

func TestSaveAndLoadNetworks(t *testing.T) {
	for _, format := range []string{"json", "proto"} {
		t.Run(format, func(t *testing.T) {
			opt := tinyOptions(t, 1)
			opt.CheckpointFormat = format
			m := newTrainedModel(t, opt)
			if err := m.SaveNetworks("3"); err != nil {
				t.Fatalf("SaveNetworks failed: %v", err)
			}
			f, _ := checkpoints.ParseFormat(format)
			for _, p := range []string{
				checkpoints.NetworkPath(opt.ExperimentDir(), "3", "G", f),
				checkpoints.NetworkPath(opt.ExperimentDir(), "3", "D_1", f),
				checkpoints.OptimizerPath(opt.ExperimentDir(), "3", "G", f),
				checkpoints.OptimizerPath(opt.ExperimentDir(), "3", "D_0", f),
			} {
				if _, err := os.Stat(p); err != nil {
					t.Errorf("expected %s: %v", filepath.Base(p), err)
				}
			}

			restored, err := NewLifelongModel(opt, true)
			if err != nil {
				t.Fatal(err)
			}
			if err := restored.LoadNetworks("3"); err != nil {
				t.Fatalf("LoadNetworks failed: %v", err)
			}
			if !sameState(networks.StateDict(restored.NetG), networks.StateDict(m.NetG)) {
				t.Error("generator weights differ after reload")
			}
			for i := range m.NetD {
				if !sameState(networks.StateDict(restored.NetD[i]), networks.StateDict(m.NetD[i])) {
					t.Errorf("D_%d weights differ after reload", i)
				}
			}
			if restored.optimizerG.GetStepCount() != m.optimizerG.GetStepCount() {
				t.Errorf("optimizer step %d, want %d", restored.optimizerG.GetStepCount(), m.optimizerG.GetStepCount())
			}

			inference, err := NewLifelongModel(opt, false)
			if err != nil {
				t.Fatal(err)
			}
			if err := inference.LoadNetworks("3"); err != nil {
				t.Fatalf("inference LoadNetworks failed: %v", err)
			}
			if err := inference.LoadNetworks("missing"); !errors.Is(err, checkpoints.ErrCheckpointNotFound) {
				t.Errorf("missing epoch: got %v", err)
			}
		})
	}
}

func TestPrintNetworks(t *testing.T) {
	m := newTrainedModel(t, tinyOptions(t, 1))
	var buf bytes.Buffer
	m.PrintNetworks(&buf, false)
	out := buf.String()
	for _, want := range []string{"[Network G]", "[Network D_0]", "[Network D_1]"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	m.PrintNetworks(&buf, true)
	if !strings.Contains(buf.String(), "Conv2d") {
		t.Errorf("verbose output should list layers:\n%s", buf.String())
	}
}
