package perceptual

import (
	"math/rand"
	"testing"

	"github.com/tsawler/go-remind/tensor"
)

func newTestLoss(t *testing.T) *Loss {
	t.Helper()
	e, err := NewExtractor(Config{InputChannels: 3, Widths: []int{2, 4}, Seed: 1})
	if err != nil {
		t.Fatalf("NewExtractor failed: %v", err)
	}
	return NewLoss(e)
}

func image(t *testing.T, seed int64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomUniform([]int{1, 3, 8, 8}, -1, 1, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func TestFeatureShapes(t *testing.T) {
	l := newTestLoss(t)
	feats, err := l.Extractor.Features(image(t, 1))
	if err != nil {
		t.Fatalf("Features failed: %v", err)
	}
	want := [][]int{{1, 2, 8, 8}, {1, 4, 4, 4}}
	if len(feats) != len(want) {
		t.Fatalf("got %d slices, want %d", len(feats), len(want))
	}
	for i, f := range feats {
		for d := range want[i] {
			if f.Shape[d] != want[i][d] {
				t.Errorf("slice %d shape %v, want %v", i, f.Shape, want[i])
				break
			}
		}
	}
}

func TestDistance(t *testing.T) {
	l := newTestLoss(t)
	a, b := image(t, 1), image(t, 2)

	same, err := l.Distance(a, a)
	if err != nil {
		t.Fatalf("Distance failed: %v", err)
	}
	if v, _ := same.Item(); v != 0 {
		t.Errorf("distance of an image to itself = %v, want 0", v)
	}

	diff, err := l.Distance(a, b)
	if err != nil {
		t.Fatalf("Distance failed: %v", err)
	}
	if v, _ := diff.Item(); v <= 0 {
		t.Errorf("distance of different images = %v, want > 0", v)
	}
}

func TestGradientReachesInputOnly(t *testing.T) {
	l := newTestLoss(t)
	a := image(t, 1)
	a.SetRequiresGrad(true)
	d, err := l.Distance(a, image(t, 2))
	if err != nil {
		t.Fatalf("Distance failed: %v", err)
	}
	if err := tensor.Backward(d); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if a.Grad() == nil {
		t.Error("input should receive a gradient")
	}
	for _, p := range l.Extractor.Parameters() {
		if p.Value.Grad() != nil {
			t.Errorf("%s should stay frozen", p.Name)
		}
	}
}

func TestLoadState(t *testing.T) {
	l := newTestLoss(t)
	state := make(map[string]*tensor.Tensor)
	for _, p := range l.Extractor.Parameters() {
		z, _ := tensor.Zeros(p.Value.Shape)
		state[p.Name] = z
	}
	if err := l.Extractor.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	d, err := l.Distance(image(t, 1), image(t, 2))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := d.Item(); v != 0 {
		t.Errorf("zero weights should map every image to the same features, got distance %v", v)
	}

	delete(state, "slice0.conv0.weight")
	if err := l.Extractor.LoadState(state); err == nil {
		t.Error("expected an error for a missing weight")
	}
}
