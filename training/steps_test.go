package training

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/tsawler/go-remind/layers"
	"github.com/tsawler/go-remind/networks"
	"github.com/tsawler/go-remind/optimizer"
	"github.com/tsawler/go-remind/perceptual"
	"github.com/tsawler/go-remind/tensor"
	"github.com/tsawler/go-remind/vision/dataset"
)

// stepFixture wires one generator and two discriminators over the streams
// of the second task.
type stepFixture struct {
	g       networks.Network
	frozen  networks.Network
	ds      []networks.Network
	streams *Streams
	out     *ForwardOutputs
	mode    layers.Mode
}

func newStepFixture(t *testing.T, retention bool) *stepFixture {
	t.Helper()
	gcfg := networks.GeneratorConfig{
		Arch: "unet_8", InputChannels: 1, OutputChannels: 1, Filters: 2,
		Norm: "instance", UseDropout: true, ImageSize: 8, InitType: "normal", InitGain: 0.02, Seed: 1,
	}
	g, err := networks.DefineG(gcfg)
	if err != nil {
		t.Fatal(err)
	}
	gcfg.Seed = 2
	frozen, err := networks.DefineG(gcfg)
	if err != nil {
		t.Fatal(err)
	}
	networks.SetRequiresGrad(false, frozen)

	f := &stepFixture{g: g, frozen: frozen, mode: layers.Train(rand.New(rand.NewSource(1)))}
	for i := 0; i < 2; i++ {
		d, err := networks.DefineD(networks.DiscriminatorConfig{
			Arch: "n_layers", InputChannels: 2, Filters: 2, NLayers: 1, Norm: "instance",
			ImageSize: 8, InitType: "normal", InitGain: 0.02, Seed: int64(i + 10),
		})
		if err != nil {
			t.Fatal(err)
		}
		f.ds = append(f.ds, d)
	}

	f.streams, err = NewStreams(randomBatch(t, 4, 2, 1, 8, 11), 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	runner := &ForwardRunner{Generator: g, Frozen: frozen, Retention: retention, Mode: f.mode}
	if f.out, err = runner.Run(f.streams); err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	return f
}

func (f *stepFixture) criterion(t *testing.T) *GANLoss {
	t.Helper()
	c, err := NewGANLoss("vanilla")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *stepFixture) perceptualLoss(t *testing.T) *perceptual.Loss {
	t.Helper()
	e, err := perceptual.NewExtractor(perceptual.Config{InputChannels: 1, Widths: []int{2, 4}, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	return perceptual.NewLoss(e)
}

func TestDiscriminatorStepGivesGeneratorNoGradient(t *testing.T) {
	f := newStepFixture(t, false)
	step := &DiscriminatorStep{Discriminators: f.ds, Criterion: f.criterion(t), Lambda: 0.05, Mode: f.mode}

	terms, loss, err := step.Backward(f.streams, f.out)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for _, p := range f.g.Parameters() {
		if p.Value.Grad() != nil {
			t.Fatalf("generator parameter %s received a gradient from the discriminator loss", p.Name)
		}
	}
	for i, d := range f.ds {
		var got bool
		for _, p := range d.Parameters() {
			if p.Value.Grad() != nil {
				got = true
			}
		}
		if !got {
			t.Errorf("D_%d received no gradient", i)
		}
	}

	fake, _ := terms.Fake.Item()
	realLoss, _ := terms.Real.Item()
	total, _ := loss.Item()
	if math.Abs(total-(fake+realLoss)*0.05) > 1e-5 {
		t.Errorf("loss_D = %v, want (%v + %v) * 0.05", total, fake, realLoss)
	}
}

func TestGeneratorStepLeavesDiscriminatorsUnchanged(t *testing.T) {
	f := newStepFixture(t, true)
	networks.SetRequiresGrad(false, f.ds...)
	before := make([]map[string]*tensor.Tensor, len(f.ds))
	for i, d := range f.ds {
		before[i] = cloneState(d)
	}
	frozenBefore := cloneState(f.frozen)

	step := &GeneratorStep{
		Discriminators: f.ds,
		Criterion:      f.criterion(t),
		Perceptual:     f.perceptualLoss(t),
		Weights:        LossWeights{DigestingL1: 100, DigestingPerceptual: 1, RemindingL1: 10, RemindingPerceptual: 1, G: 0.1},
		Mode:           f.mode,
	}
	opt, err := optimizer.New(optimizer.Config{Name: "adam", LearningRate: 0.01, Beta1: 0.5, Beta2: 0.999}, f.g.Parameters())
	if err != nil {
		t.Fatal(err)
	}
	terms, _, err := step.Backward(f.streams, f.out)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if err := opt.Step(); err != nil {
		t.Fatal(err)
	}

	if !terms.HasRetention || terms.RetentionStreams != 2 {
		t.Errorf("retention over %d streams, want 2", terms.RetentionStreams)
	}
	for i, d := range f.ds {
		for _, p := range d.Parameters() {
			if p.Value.Grad() != nil {
				t.Fatalf("D_%d parameter %s received a gradient", i, p.Name)
			}
		}
		if !sameState(networks.StateDict(d), before[i]) {
			t.Errorf("D_%d changed during the generator step", i)
		}
	}
	if !sameState(networks.StateDict(f.frozen), frozenBefore) {
		t.Error("the frozen generator changed")
	}
	var moved bool
	for _, p := range f.g.Parameters() {
		if p.Value.Grad() != nil {
			moved = true
			break
		}
	}
	if !moved {
		t.Error("the generator received no gradient")
	}
}

func TestGeneratorStepLengthMismatch(t *testing.T) {
	f := newStepFixture(t, false)
	step := &GeneratorStep{Discriminators: f.ds, Criterion: f.criterion(t), Perceptual: f.perceptualLoss(t), Mode: f.mode}
	f.out.Current = f.out.Current[:1]
	if _, err := step.Terms(f.streams, f.out); err == nil {
		t.Error("expected an error for missing generated images")
	}
	dstep := &DiscriminatorStep{Discriminators: f.ds[:1], Criterion: f.criterion(t), Mode: f.mode}
	f2 := newStepFixture(t, false)
	if _, err := dstep.Terms(f2.streams, f2.out); err == nil {
		t.Error("expected an error for a missing discriminator parity")
	}
}

func TestForwardRunnerNeedsFrozenGenerator(t *testing.T) {
	f := newStepFixture(t, false)
	runner := &ForwardRunner{Generator: f.g, Retention: true, Mode: layers.Eval}
	if _, err := runner.Run(f.streams); err == nil {
		t.Error("expected an error without a frozen generator")
	}
}

func scalar(v float64) *tensor.Tensor { return tensor.FromScalar(v) }

func TestComposeGeneratorLoss(t *testing.T) {
	w := LossWeights{DigestingL1: 100, DigestingPerceptual: 1, RemindingL1: 10, RemindingPerceptual: 1, G: 0.1}
	tests := []struct {
		name  string
		terms *GeneratorTerms
		g     float64
		want  float64
	}{
		{
			name:  "digesting only",
			terms: &GeneratorTerms{Adversarial: scalar(1), L1: scalar(0.5), Perceptual: scalar(2)},
			g:     0.1,
			want:  (1 + 50 + 2) * 0.1,
		},
		{
			name: "with retention",
			terms: &GeneratorTerms{Adversarial: scalar(1), L1: scalar(0.5), Perceptual: scalar(2),
				HasRetention: true, RetentionL1: scalar(0.25), RetentionPerceptual: scalar(3)},
			g:    0.1,
			want: (1 + 50 + 2 + 2.5 + 3) * 0.1,
		},
		{
			name: "doubled lambda_G",
			terms: &GeneratorTerms{Adversarial: scalar(1), L1: scalar(0.5), Perceptual: scalar(2),
				HasRetention: true, RetentionL1: scalar(0.25), RetentionPerceptual: scalar(3)},
			g:    0.2,
			want: (1 + 50 + 2 + 2.5 + 3) * 0.2,
		},
		{
			name:  "zero lambda_G",
			terms: &GeneratorTerms{Adversarial: scalar(1), L1: scalar(0.5), Perceptual: scalar(2)},
			g:     0,
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			weights := w
			weights.G = tt.g
			loss, err := ComposeGeneratorLoss(tt.terms, weights)
			if err != nil {
				t.Fatalf("ComposeGeneratorLoss failed: %v", err)
			}
			got, _ := loss.Item()
			if math.Abs(got-tt.want) > 1e-4 {
				t.Errorf("loss_G = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComposeErrors(t *testing.T) {
	if _, err := SumLosses(nil); !errors.Is(err, ErrNoLossTerms) {
		t.Errorf("SumLosses(nil) = %v, want ErrNoLossTerms", err)
	}
	terms := &GeneratorTerms{Adversarial: scalar(1), L1: scalar(1), Perceptual: scalar(1), HasRetention: true}
	if _, err := ComposeGeneratorLoss(terms, LossWeights{}); !errors.Is(err, ErrNoLossTerms) {
		t.Errorf("missing retention terms: got %v", err)
	}
	if _, err := ComposeDiscriminatorLoss(&DiscriminatorTerms{Fake: scalar(1)}, 1); !errors.Is(err, ErrNoLossTerms) {
		t.Errorf("missing real term: got %v", err)
	}

	loss, err := ComposeDiscriminatorLoss(&DiscriminatorTerms{Fake: scalar(0.5), Real: scalar(1.5)}, 0.05)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := loss.Item(); math.Abs(got-0.1) > 1e-6 {
		t.Errorf("loss_D = %v, want 0.1", got)
	}

	sum, err := SumLosses([]*tensor.Tensor{scalar(1), scalar(2), scalar(3.5)})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := sum.Item(); got != 6.5 {
		t.Errorf("SumLosses = %v, want 6.5", got)
	}
}

func TestStreams(t *testing.T) {
	b := randomBatch(t, 6, 1, 1, 4, 1)
	s, err := NewStreams(b, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 6 {
		t.Errorf("Len() = %d, want 6", s.Len())
	}
	if cur := s.Current(); len(cur) != 2 || cur[0] != 4 || cur[1] != 5 {
		t.Errorf("Current() = %v, want [4 5]", cur)
	}
	if prev := s.Previous(); len(prev) != 4 || prev[0] != 0 || prev[3] != 3 {
		t.Errorf("Previous() = %v, want [0 1 2 3]", prev)
	}
	for i, want := range []int{0, 1, 0, 1, 0, 1} {
		if s.Parity(i) != want {
			t.Errorf("Parity(%d) = %d, want %d", i, s.Parity(i), want)
		}
	}

	first, err := NewStreams(randomBatch(t, 2, 1, 1, 4, 1), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Previous()) != 0 {
		t.Errorf("the first task has no previous streams, got %v", first.Previous())
	}

	delete(b.Images, dataset.KeyB(5))
	if _, err := NewStreams(b, 3, 2); err == nil || !strings.Contains(err.Error(), "B_5") {
		t.Errorf("expected an error naming B_5, got %v", err)
	}
	if _, err := NewStreams(b, 0, 2); err == nil {
		t.Error("expected an error for task 0")
	}
}
