package networks

import (
	"fmt"

	"github.com/tsawler/go-remind/layers"
	"github.com/tsawler/go-remind/tensor"
)

// unetBlock is one level of the U-Net: down path, the nested block, up path
// and (except at the outermost level) a skip connection concatenating the
// block input with its output.
type unetBlock struct {
	down      *layers.Sequential
	sub       *unetBlock
	up        *layers.Sequential
	outermost bool
}

func (b *unetBlock) forward(x *tensor.Tensor, mode layers.Mode) (*tensor.Tensor, error) {
	h, err := b.down.Forward(x, mode)
	if err != nil {
		return nil, err
	}
	if b.sub != nil {
		if h, err = b.sub.forward(h, mode); err != nil {
			return nil, err
		}
	}
	if h, err = b.up.Forward(h, mode); err != nil {
		return nil, err
	}
	if b.outermost {
		return h, nil
	}
	return tensor.Concat(x, h)
}

// UnetGenerator downsamples the image to 1x1 at its reference size and
// upsamples it back with skip connections at every level.
type UnetGenerator struct {
	arch       string
	inChannels int
	root       *unetBlock
	blocks     []*layers.Sequential
}

func newUnetGenerator(cfg GeneratorConfig, depth int) (*UnetGenerator, error) {
	if depth < 2 {
		return nil, fmt.Errorf("generator %s: unet needs at least two levels", cfg.Arch)
	}
	size := cfg.ImageSize
	if size == 0 {
		size = 1 << depth
	}
	if size%(1<<depth) != 0 {
		return nil, fmt.Errorf("generator %s: image size %d is not divisible by %d", cfg.Arch, size, 1<<depth)
	}

	ngf := cfg.Filters
	ch := func(level int) int { return ngf * min(1<<level, 8) }
	inCh := func(level int) int {
		if level == 0 {
			return cfg.InputChannels
		}
		return ch(level - 1)
	}

	g := &UnetGenerator{arch: cfg.Arch, inChannels: cfg.InputChannels}
	var inner *unetBlock
	for level := depth - 1; level >= 0; level-- {
		spatial := size >> level
		innermost := level == depth-1
		outermost := level == 0
		prefix := fmt.Sprintf("level%d", level)

		down := layers.NewModelBuilder([]int{1, inCh(level), spatial, spatial})
		if !outermost {
			down.AddLeakyReLU(0.2, prefix+".down.act")
		}
		down.AddConv2D(ch(level), 4, 2, 1, true, prefix+".down.conv")
		if !outermost && !innermost {
			if err := addNorm(down, cfg.Norm, prefix+".down.norm"); err != nil {
				return nil, err
			}
		}

		upIn := 2 * ch(level)
		if innermost {
			upIn = ch(level)
		}
		upOut := inCh(level)
		if outermost {
			upOut = cfg.OutputChannels
		}
		up := layers.NewModelBuilder([]int{1, upIn, spatial / 2, spatial / 2}).
			AddReLU(prefix+".up.act").
			AddUpsample(2, prefix+".up.upsample").
			AddConv2D(upOut, 3, 1, 1, true, prefix+".up.conv")
		if outermost {
			up.AddTanh(prefix + ".up.tanh")
		} else {
			if err := addNorm(up, cfg.Norm, prefix+".up.norm"); err != nil {
				return nil, err
			}
			if cfg.UseDropout && !innermost && ch(level) == ngf*8 && ch(level-1) == ngf*8 {
				up.AddDropout(0.5, prefix+".up.dropout")
			}
		}

		downSeq, err := down.Compile()
		if err != nil {
			return nil, fmt.Errorf("generator %s: %w", cfg.Arch, err)
		}
		upSeq, err := up.Compile()
		if err != nil {
			return nil, fmt.Errorf("generator %s: %w", cfg.Arch, err)
		}
		inner = &unetBlock{down: downSeq, sub: inner, up: upSeq, outermost: outermost}
		g.blocks = append([]*layers.Sequential{downSeq}, append(g.blocks, upSeq)...)
	}
	g.root = inner
	return g, nil
}

func (g *UnetGenerator) Forward(x *tensor.Tensor, mode layers.Mode) (*tensor.Tensor, error) {
	if err := checkInput(g, x); err != nil {
		return nil, err
	}
	return g.root.forward(x, mode)
}

func (g *UnetGenerator) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, b := range g.blocks {
		params = append(params, b.Parameters()...)
	}
	return params
}

func (g *UnetGenerator) Architecture() string { return g.arch }

func (g *UnetGenerator) InputChannels() int { return g.inChannels }

func (g *UnetGenerator) Summary() string { return summarize(g.arch, g.blocks) }

func (g *UnetGenerator) Specs() []*layers.ModelSpec { return specsOf(g.blocks) }

// ResnetGenerator is an encoder, a stack of residual blocks and a decoder.
type ResnetGenerator struct {
	arch       string
	inChannels int
	encoder    *layers.Sequential
	residual   []*layers.Sequential
	decoder    *layers.Sequential
}

func newResnetGenerator(cfg GeneratorConfig, nBlocks int) (*ResnetGenerator, error) {
	size := cfg.ImageSize
	if size == 0 {
		size = 16
	}
	if size%4 != 0 {
		return nil, fmt.Errorf("generator %s: image size %d is not divisible by 4", cfg.Arch, size)
	}
	ngf := cfg.Filters

	enc := layers.NewModelBuilder([]int{1, cfg.InputChannels, size, size}).
		AddConv2D(ngf, 7, 1, 3, true, "encoder.stem.conv")
	if err := addNorm(enc, cfg.Norm, "encoder.stem.norm"); err != nil {
		return nil, err
	}
	enc.AddReLU("encoder.stem.act")
	for i := 0; i < 2; i++ {
		mult := 1 << (i + 1)
		enc.AddConv2D(ngf*mult, 3, 2, 1, true, fmt.Sprintf("encoder.down%d.conv", i))
		_ = addNorm(enc, cfg.Norm, fmt.Sprintf("encoder.down%d.norm", i))
		enc.AddReLU(fmt.Sprintf("encoder.down%d.act", i))
	}

	g := &ResnetGenerator{arch: cfg.Arch, inChannels: cfg.InputChannels}
	var err error
	if g.encoder, err = enc.Compile(); err != nil {
		return nil, fmt.Errorf("generator %s: %w", cfg.Arch, err)
	}

	width, inner := ngf*4, size/4
	for i := 0; i < nBlocks; i++ {
		prefix := fmt.Sprintf("residual%d", i)
		b := layers.NewModelBuilder([]int{1, width, inner, inner}).
			AddConv2D(width, 3, 1, 1, true, prefix+".conv1")
		_ = addNorm(b, cfg.Norm, prefix+".norm1")
		b.AddReLU(prefix + ".act")
		if cfg.UseDropout {
			b.AddDropout(0.5, prefix+".dropout")
		}
		b.AddConv2D(width, 3, 1, 1, true, prefix+".conv2")
		_ = addNorm(b, cfg.Norm, prefix+".norm2")
		seq, err := b.Compile()
		if err != nil {
			return nil, fmt.Errorf("generator %s: %w", cfg.Arch, err)
		}
		g.residual = append(g.residual, seq)
	}

	dec := layers.NewModelBuilder([]int{1, width, inner, inner})
	for i := 0; i < 2; i++ {
		mult := 1 << (2 - i)
		dec.AddUpsample(2, fmt.Sprintf("decoder.up%d.upsample", i)).
			AddConv2D(ngf*mult/2, 3, 1, 1, true, fmt.Sprintf("decoder.up%d.conv", i))
		_ = addNorm(dec, cfg.Norm, fmt.Sprintf("decoder.up%d.norm", i))
		dec.AddReLU(fmt.Sprintf("decoder.up%d.act", i))
	}
	dec.AddConv2D(cfg.OutputChannels, 7, 1, 3, true, "decoder.out.conv").AddTanh("decoder.out.tanh")
	if g.decoder, err = dec.Compile(); err != nil {
		return nil, fmt.Errorf("generator %s: %w", cfg.Arch, err)
	}
	return g, nil
}

func (g *ResnetGenerator) Forward(x *tensor.Tensor, mode layers.Mode) (*tensor.Tensor, error) {
	if err := checkInput(g, x); err != nil {
		return nil, err
	}
	h, err := g.encoder.Forward(x, mode)
	if err != nil {
		return nil, err
	}
	for _, block := range g.residual {
		r, err := block.Forward(h, mode)
		if err != nil {
			return nil, err
		}
		if h, err = tensor.Add(h, r); err != nil {
			return nil, err
		}
	}
	return g.decoder.Forward(h, mode)
}

func (g *ResnetGenerator) Parameters() []*layers.Parameter {
	params := g.encoder.Parameters()
	for _, b := range g.residual {
		params = append(params, b.Parameters()...)
	}
	return append(params, g.decoder.Parameters()...)
}

func (g *ResnetGenerator) Architecture() string { return g.arch }

func (g *ResnetGenerator) InputChannels() int { return g.inChannels }

func (g *ResnetGenerator) Summary() string { return summarize(g.arch, g.sequence()) }

func (g *ResnetGenerator) Specs() []*layers.ModelSpec { return specsOf(g.sequence()) }

func (g *ResnetGenerator) sequence() []*layers.Sequential {
	blocks := append([]*layers.Sequential{g.encoder}, g.residual...)
	return append(blocks, g.decoder)
}
