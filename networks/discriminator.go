package networks

import (
	"fmt"

	"github.com/tsawler/go-remind/layers"
	"github.com/tsawler/go-remind/tensor"
)

// sequentialNet adapts a single compiled block to Network.
type sequentialNet struct {
	arch       string
	inChannels int
	body       *layers.Sequential
}

func (n *sequentialNet) Forward(x *tensor.Tensor, mode layers.Mode) (*tensor.Tensor, error) {
	if err := checkInput(n, x); err != nil {
		return nil, err
	}
	return n.body.Forward(x, mode)
}

func (n *sequentialNet) Parameters() []*layers.Parameter { return n.body.Parameters() }

func (n *sequentialNet) Architecture() string { return n.arch }

func (n *sequentialNet) InputChannels() int { return n.inChannels }

func (n *sequentialNet) Summary() string {
	return summarize(n.arch, []*layers.Sequential{n.body})
}

func (n *sequentialNet) Specs() []*layers.ModelSpec { return []*layers.ModelSpec{n.body.Spec} }

// newNLayerDiscriminator builds a PatchGAN classifier: each output logit
// judges one overlapping patch of the (source, target) pair.
func newNLayerDiscriminator(cfg DiscriminatorConfig, nLayers int) (Network, error) {
	if nLayers < 1 {
		return nil, fmt.Errorf("discriminator %s: n_layers must be at least 1, got %d", cfg.Arch, nLayers)
	}
	size := cfg.ImageSize
	if size == 0 {
		size = 1 << (nLayers + 2)
	}
	ndf := cfg.Filters

	b := layers.NewModelBuilder([]int{1, cfg.InputChannels, size, size}).
		AddConv2D(ndf, 4, 2, 1, true, "layer0.conv").
		AddLeakyReLU(0.2, "layer0.act")
	mult := 1
	for n := 1; n < nLayers; n++ {
		mult = min(1<<n, 8)
		name := fmt.Sprintf("layer%d", n)
		b.AddConv2D(ndf*mult, 4, 2, 1, true, name+".conv")
		if err := addNorm(b, cfg.Norm, name+".norm"); err != nil {
			return nil, err
		}
		b.AddLeakyReLU(0.2, name+".act")
	}
	mult = min(1<<nLayers, 8)
	name := fmt.Sprintf("layer%d", nLayers)
	b.AddConv2D(ndf*mult, 4, 1, 1, true, name+".conv")
	if err := addNorm(b, cfg.Norm, name+".norm"); err != nil {
		return nil, err
	}
	b.AddLeakyReLU(0.2, name+".act").
		AddConv2D(1, 4, 1, 1, true, "head.conv")

	body, err := b.Compile()
	if err != nil {
		return nil, fmt.Errorf("discriminator %s: %w", cfg.Arch, err)
	}
	return &sequentialNet{arch: cfg.Arch, inChannels: cfg.InputChannels, body: body}, nil
}

// newPixelDiscriminator builds a 1x1 PixelGAN classifier.
func newPixelDiscriminator(cfg DiscriminatorConfig) (Network, error) {
	size := cfg.ImageSize
	if size == 0 {
		size = 1
	}
	ndf := cfg.Filters
	b := layers.NewModelBuilder([]int{1, cfg.InputChannels, size, size}).
		AddConv2D(ndf, 1, 1, 0, true, "layer0.conv").
		AddLeakyReLU(0.2, "layer0.act").
		AddConv2D(ndf*2, 1, 1, 0, true, "layer1.conv")
	if err := addNorm(b, cfg.Norm, "layer1.norm"); err != nil {
		return nil, err
	}
	b.AddLeakyReLU(0.2, "layer1.act").
		AddConv2D(1, 1, 1, 0, true, "head.conv")

	body, err := b.Compile()
	if err != nil {
		return nil, fmt.Errorf("discriminator %s: %w", cfg.Arch, err)
	}
	return &sequentialNet{arch: cfg.Arch, inChannels: cfg.InputChannels, body: body}, nil
}
