package networks

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/tsawler/go-remind/layers"
	"github.com/tsawler/go-remind/tensor"
)

func smallG(t *testing.T, arch string, seed int64) Network {
	t.Helper()
	g, err := DefineG(GeneratorConfig{
		Arch: arch, InputChannels: 3, OutputChannels: 3, Filters: 2,
		Norm: "instance", UseDropout: true, ImageSize: 8, InitType: "normal", InitGain: 0.02, Seed: seed,
	})
	if err != nil {
		t.Fatalf("DefineG(%s) failed: %v", arch, err)
	}
	return g
}

func randomInput(t *testing.T, shape []int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomUniform(shape, -1, 1, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("RandomUniform failed: %v", err)
	}
	return x
}

func TestGeneratorOutputShapes(t *testing.T) {
	for _, arch := range []string{"unet_8", "resnet_2blocks"} {
		t.Run(arch, func(t *testing.T) {
			g := smallG(t, arch, 1)
			out, err := g.Forward(randomInput(t, []int{2, 3, 8, 8}), layers.Eval)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			want := []int{2, 3, 8, 8}
			if !sameShape(out.Shape, want) {
				t.Errorf("output shape %v, want %v", out.Shape, want)
			}
			for i, v := range out.Data {
				if v < -1 || v > 1 {
					t.Fatalf("out[%d] = %v outside tanh range", i, v)
				}
			}
			if !strings.Contains(g.Summary(), arch) {
				t.Error("summary should name the architecture")
			}
		})
	}
}

func TestUnetParameterOrder(t *testing.T) {
	g := smallG(t, "unet_8", 1)
	params := g.Parameters()
	if params[0].Name != "level0.down.conv.weight" {
		t.Errorf("first parameter %s, want level0.down.conv.weight", params[0].Name)
	}
	if last := params[len(params)-1].Name; last != "level0.up.conv.bias" {
		t.Errorf("last parameter %s, want level0.up.conv.bias", last)
	}
}

func TestDiscriminatorOutputShapes(t *testing.T) {
	tests := []struct {
		name string
		cfg  DiscriminatorConfig
		want []int
	}{
		{"n_layers_1", DiscriminatorConfig{Arch: "n_layers", NLayers: 1, InputChannels: 6, Filters: 2, Norm: "instance", ImageSize: 16}, []int{2, 1, 6, 6}},
		{"basic", DiscriminatorConfig{Arch: "basic", InputChannels: 6, Filters: 2, Norm: "instance", ImageSize: 32}, []int{2, 1, 2, 2}},
		{"pixel", DiscriminatorConfig{Arch: "pixel", InputChannels: 6, Filters: 2, Norm: "instance", ImageSize: 16}, []int{2, 1, 16, 16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DefineD(tt.cfg)
			if err != nil {
				t.Fatalf("DefineD failed: %v", err)
			}
			size := tt.cfg.ImageSize
			out, err := d.Forward(randomInput(t, []int{2, 6, size, size}), layers.Eval)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if !sameShape(out.Shape, tt.want) {
				t.Errorf("output shape %v, want %v", out.Shape, tt.want)
			}
		})
	}
}

func TestDefineErrors(t *testing.T) {
	bad := []GeneratorConfig{
		{Arch: "unet_7", InputChannels: 3, OutputChannels: 3, Filters: 2},
		{Arch: "resnet_0blocks", InputChannels: 3, OutputChannels: 3, Filters: 2},
		{Arch: "transformer", InputChannels: 3, OutputChannels: 3, Filters: 2},
		{Arch: "unet_8", InputChannels: 3, OutputChannels: 3, Filters: 2, Norm: "batch"},
		{Arch: "unet_8", InputChannels: 3, OutputChannels: 3, Filters: 2, InitType: "orthogonal"},
	}
	for _, cfg := range bad {
		if _, err := DefineG(cfg); err == nil {
			t.Errorf("DefineG(%+v) should fail", cfg)
		}
	}
	if _, err := DefineD(DiscriminatorConfig{Arch: "global", InputChannels: 6, Filters: 2}); err == nil {
		t.Error("unknown discriminator should fail")
	}
}

func TestForwardRejectsWrongChannels(t *testing.T) {
	g := smallG(t, "unet_8", 1)
	_, err := g.Forward(randomInput(t, []int{1, 1, 8, 8}), layers.Eval)
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestInitWeights(t *testing.T) {
	g := smallG(t, "resnet_1blocks", 3)
	var sum, sq float64
	n := 0
	for _, p := range g.Parameters() {
		if strings.HasSuffix(p.Name, ".bias") {
			for _, v := range p.Value.Data {
				if v != 0 {
					t.Fatalf("%s should be zero-initialized", p.Name)
				}
			}
			continue
		}
		for _, v := range p.Value.Data {
			sum += float64(v)
			sq += float64(v) * float64(v)
			n++
		}
	}
	mean := sum / float64(n)
	std := math.Sqrt(sq/float64(n) - mean*mean)
	if math.Abs(mean) > 0.005 {
		t.Errorf("weight mean %v, want ~0", mean)
	}
	if math.Abs(std-0.02) > 0.004 {
		t.Errorf("weight std %v, want ~0.02", std)
	}
}

func TestSeedDeterminism(t *testing.T) {
	a := StateDict(smallG(t, "unet_8", 5))
	b := StateDict(smallG(t, "unet_8", 5))
	c := StateDict(smallG(t, "unet_8", 6))
	key := "level1.down.conv.weight"
	if !a[key].Equal(b[key]) {
		t.Error("same seed should give identical weights")
	}
	if a[key].Equal(c[key]) {
		t.Error("different seeds should give different weights")
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	src := smallG(t, "unet_8", 1)
	dst := smallG(t, "unet_8", 2)
	if err := LoadStateDict(dst, StateDict(src)); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	sp, dp := src.Parameters(), dst.Parameters()
	for i := range sp {
		if !sp[i].Value.Equal(dp[i].Value) {
			t.Errorf("%s differs after load", sp[i].Name)
		}
		if !dp[i].Value.RequiresGrad() {
			t.Errorf("%s lost its gradient flag", dp[i].Name)
		}
	}

	state := StateDict(src)
	sp[0].Value.Data[0] += 1
	if state[sp[0].Name].Data[0] == sp[0].Value.Data[0] {
		t.Error("StateDict should copy, not alias, parameter data")
	}
}

func TestLoadStateDictStrict(t *testing.T) {
	g := smallG(t, "unet_8", 1)

	state := StateDict(g)
	delete(state, "level0.down.conv.bias")
	state["extra.weight"], _ = tensor.Zeros([]int{1})
	err := LoadStateDict(g, state)
	if err == nil {
		t.Fatal("expected an error for mismatched keys")
	}
	for _, want := range []string{"level0.down.conv.bias", "extra.weight"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should name %s", err, want)
		}
	}

	state = StateDict(g)
	state["level0.down.conv.weight"], _ = tensor.Zeros([]int{1, 1, 1, 1})
	if err := LoadStateDict(g, state); err == nil || !strings.Contains(err.Error(), "size mismatch") {
		t.Errorf("expected a size mismatch error, got %v", err)
	}
}

func TestSetRequiresGrad(t *testing.T) {
	g := smallG(t, "unet_8", 1)
	SetRequiresGrad(false, g)
	for _, p := range g.Parameters() {
		if p.Value.RequiresGrad() {
			t.Fatalf("%s still requires grad", p.Name)
		}
	}
	if CountParameters(g) == 0 {
		t.Error("parameter count should be positive")
	}
}
