// Package networks builds the generator and discriminator networks of the
// conditional GAN from an architecture name and channel widths.
package networks

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/tsawler/go-remind/layers"
	"github.com/tsawler/go-remind/tensor"
)

// Network is a trainable image network with an explicit forward mode.
type Network interface {
	Forward(x *tensor.Tensor, mode layers.Mode) (*tensor.Tensor, error)
	Parameters() []*layers.Parameter
	Architecture() string
	InputChannels() int
	Summary() string
	Specs() []*layers.ModelSpec
}

// GeneratorConfig selects and sizes a generator.
type GeneratorConfig struct {
	Arch           string // unet_<size> or resnet_<n>blocks
	InputChannels  int
	OutputChannels int
	Filters        int // ngf
	Norm           string
	UseDropout     bool
	ImageSize      int // reference size used for shape checks and summaries
	InitType       string
	InitGain       float64
	Seed           int64
}

// DiscriminatorConfig selects and sizes a conditional discriminator. The
// input channel count is the source plus target channels.
type DiscriminatorConfig struct {
	Arch          string // basic, n_layers or pixel
	InputChannels int
	Filters       int // ndf
	NLayers       int
	Norm          string
	ImageSize     int
	InitType      string
	InitGain      float64
	Seed          int64
}

// DefineG builds and initializes a generator.
func DefineG(cfg GeneratorConfig) (Network, error) {
	if cfg.InputChannels <= 0 || cfg.OutputChannels <= 0 || cfg.Filters <= 0 {
		return nil, fmt.Errorf("generator %s: channel counts must be positive", cfg.Arch)
	}
	var (
		net Network
		err error
	)
	switch {
	case strings.HasPrefix(cfg.Arch, "unet_"):
		var size int
		size, err = strconv.Atoi(strings.TrimPrefix(cfg.Arch, "unet_"))
		if err != nil || size < 4 || size&(size-1) != 0 {
			return nil, fmt.Errorf("generator %q: unet size must be a power of two >= 4", cfg.Arch)
		}
		net, err = newUnetGenerator(cfg, log2(size))
	case strings.HasPrefix(cfg.Arch, "resnet_") && strings.HasSuffix(cfg.Arch, "blocks"):
		var blocks int
		blocks, err = strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(cfg.Arch, "resnet_"), "blocks"))
		if err != nil || blocks < 1 {
			return nil, fmt.Errorf("generator %q: invalid residual block count", cfg.Arch)
		}
		net, err = newResnetGenerator(cfg, blocks)
	default:
		return nil, fmt.Errorf("generator model name [%s] is not recognized", cfg.Arch)
	}
	if err != nil {
		return nil, err
	}
	if err := InitWeights(net, cfg.InitType, cfg.InitGain, rand.New(rand.NewSource(cfg.Seed))); err != nil {
		return nil, err
	}
	return net, nil
}

// DefineD builds and initializes a discriminator.
func DefineD(cfg DiscriminatorConfig) (Network, error) {
	if cfg.InputChannels <= 0 || cfg.Filters <= 0 {
		return nil, fmt.Errorf("discriminator %s: channel counts must be positive", cfg.Arch)
	}
	var (
		net Network
		err error
	)
	switch cfg.Arch {
	case "basic":
		net, err = newNLayerDiscriminator(cfg, 3)
	case "n_layers":
		net, err = newNLayerDiscriminator(cfg, cfg.NLayers)
	case "pixel":
		net, err = newPixelDiscriminator(cfg)
	default:
		return nil, fmt.Errorf("discriminator model name [%s] is not recognized", cfg.Arch)
	}
	if err != nil {
		return nil, err
	}
	if err := InitWeights(net, cfg.InitType, cfg.InitGain, rand.New(rand.NewSource(cfg.Seed))); err != nil {
		return nil, err
	}
	return net, nil
}

// SetRequiresGrad toggles gradient tracking for every parameter of nets.
func SetRequiresGrad(requires bool, nets ...Network) {
	for _, n := range nets {
		for _, p := range n.Parameters() {
			p.Value.SetRequiresGrad(requires)
		}
	}
}

// CountParameters returns the number of scalar parameters in n.
func CountParameters(n Network) int {
	total := 0
	for _, p := range n.Parameters() {
		total += p.Value.NumElems
	}
	return total
}

func checkInput(n Network, x *tensor.Tensor) error {
	if len(x.Shape) != 4 || x.Shape[1] != n.InputChannels() {
		return fmt.Errorf("%s: %w: expected [N, %d, H, W] input, got %v",
			n.Architecture(), tensor.ErrShapeMismatch, n.InputChannels(), x.Shape)
	}
	return nil
}

func addNorm(b *layers.ModelBuilder, norm, name string) error {
	switch norm {
	case "instance":
		b.AddInstanceNorm(1e-5, name)
	case "none", "":
	default:
		return fmt.Errorf("normalization layer [%s] is not found", norm)
	}
	return nil
}

func log2(n int) int {
	d := 0
	for n > 1 {
		n >>= 1
		d++
	}
	return d
}

func specsOf(blocks []*layers.Sequential) []*layers.ModelSpec {
	specs := make([]*layers.ModelSpec, len(blocks))
	for i, b := range blocks {
		specs[i] = b.Spec
	}
	return specs
}

func summarize(arch string, blocks []*layers.Sequential) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]\n", arch)
	for _, b := range blocks {
		sb.WriteString(b.Spec.Summary())
	}
	return sb.String()
}
