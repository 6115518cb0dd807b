package tensor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var kernelWorkers atomic.Int32

func init() {
	kernelWorkers.Store(1)
}

// SetWorkers bounds the goroutines a single kernel call may fan out to.
func SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	kernelWorkers.Store(int32(n))
}

// Workers returns the current kernel fan-out bound.
func Workers() int {
	return int(kernelWorkers.Load())
}

// Conv2DParams describes a square-kernel convolution.
type Conv2DParams struct {
	Stride  int
	Padding int
}

// Conv2DOp keeps the unfolded input columns of every batch item for the backward pass.
type Conv2DOp struct {
	inputs []*Tensor // x, weight, bias (bias may be nil)
	params Conv2DParams
	cols   [][]float32
	outH   int
	outW   int
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w, b := op.inputs[0], op.inputs[1], op.inputs[2]
	batch := x.Shape[0]
	outC := w.Shape[0]
	k := w.Shape[1] * w.Shape[2] * w.Shape[3]
	l := op.outH * op.outW

	var gx, gw, gb *Tensor
	if x.requiresGrad {
		gx = zerosLike(x)
	}
	if w.requiresGrad {
		gw = zerosLike(w)
	}
	if b != nil && b.requiresGrad {
		gb = zerosLike(b)
	}

	wMat := blas32.General{Rows: outC, Cols: k, Stride: k, Data: w.Data}
	dcols := make([]float32, k*l)
	planeIn := x.Shape[1] * x.Shape[2] * x.Shape[3]
	for n := 0; n < batch; n++ {
		gOut := blas32.General{Rows: outC, Cols: l, Stride: l, Data: gradOut.Data[n*outC*l : (n+1)*outC*l]}
		if gw != nil {
			cols := blas32.General{Rows: k, Cols: l, Stride: l, Data: op.cols[n]}
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, gOut, cols, 1, blas32.General{Rows: outC, Cols: k, Stride: k, Data: gw.Data})
		}
		if gx != nil {
			dc := blas32.General{Rows: k, Cols: l, Stride: l, Data: dcols}
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, wMat, gOut, 0, dc)
			col2im(dcols, gx.Data[n*planeIn:(n+1)*planeIn], x.Shape[1], x.Shape[2], x.Shape[3], w.Shape[2], op.params, op.outH, op.outW)
		}
		if gb != nil {
			for o := 0; o < outC; o++ {
				var s float32
				for _, v := range gOut.Data[o*l : (o+1)*l] {
					s += v
				}
				gb.Data[o] += s
			}
		}
	}
	return []*Tensor{gx, gw, gb}, nil
}

// Conv2D convolves x [N,C,H,W] with weight [O,C,K,K] and adds bias [O] when
// bias is non-nil. The unfolded input is multiplied with the weight matrix by
// a single GEMM per batch item.
func Conv2D(x, weight, bias *Tensor, params Conv2DParams) (*Tensor, error) {
	if err := requireRank("conv2d input", x, 4); err != nil {
		return nil, err
	}
	if err := requireRank("conv2d weight", weight, 4); err != nil {
		return nil, err
	}
	if params.Stride < 1 {
		return nil, fmt.Errorf("conv2d: stride must be positive, got %d", params.Stride)
	}
	if params.Padding < 0 {
		return nil, fmt.Errorf("conv2d: padding must be non-negative, got %d", params.Padding)
	}
	inC, h, wd := x.Shape[1], x.Shape[2], x.Shape[3]
	outC, kC, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if kC != inC {
		return nil, fmt.Errorf("conv2d: %w: weight expects %d input channels, input has %d", ErrShapeMismatch, kC, inC)
	}
	if kh != kw {
		return nil, fmt.Errorf("conv2d: only square kernels are supported, got %dx%d", kh, kw)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != outC) {
		return nil, fmt.Errorf("conv2d: %w: bias shape %v for %d output channels", ErrShapeMismatch, bias.Shape, outC)
	}
	outH := (h+2*params.Padding-kh)/params.Stride + 1
	outW := (wd+2*params.Padding-kw)/params.Stride + 1
	if h+2*params.Padding < kh || wd+2*params.Padding < kw {
		return nil, fmt.Errorf("conv2d: %w: input %dx%d too small for kernel %d stride %d padding %d",
			ErrShapeMismatch, h, wd, kh, params.Stride, params.Padding)
	}

	batch := x.Shape[0]
	k := inC * kh * kw
	l := outH * outW
	out := newFromShape([]int{batch, outC, outH, outW})
	cols := make([][]float32, batch)
	wMat := blas32.General{Rows: outC, Cols: k, Stride: k, Data: weight.Data}
	planeIn := inC * h * wd

	forward := func(n int) {
		c := make([]float32, k*l)
		im2col(x.Data[n*planeIn:(n+1)*planeIn], c, inC, h, wd, kh, params, outH, outW)
		cols[n] = c
		dst := out.Data[n*outC*l : (n+1)*outC*l]
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, wMat, blas32.General{Rows: k, Cols: l, Stride: l, Data: c}, 0,
			blas32.General{Rows: outC, Cols: l, Stride: l, Data: dst})
		if bias != nil {
			for o := 0; o < outC; o++ {
				bv := bias.Data[o]
				row := dst[o*l : (o+1)*l]
				for i := range row {
					row[i] += bv
				}
			}
		}
	}

	workers := min(Workers(), batch)
	if workers <= 1 {
		for n := 0; n < batch; n++ {
			forward(n)
		}
	} else {
		var wg sync.WaitGroup
		next := make(chan int)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := range next {
					forward(n)
				}
			}()
		}
		for n := 0; n < batch; n++ {
			next <- n
		}
		close(next)
		wg.Wait()
	}

	op := &Conv2DOp{inputs: []*Tensor{x, weight, bias}, params: params, cols: cols, outH: outH, outW: outW}
	return record(out, op), nil
}

func im2col(src, cols []float32, channels, h, w, kernel int, p Conv2DParams, outH, outW int) {
	l := outH * outW
	for c := 0; c < channels; c++ {
		for ky := 0; ky < kernel; ky++ {
			for kx := 0; kx < kernel; kx++ {
				row := cols[((c*kernel+ky)*kernel+kx)*l:]
				for oy := 0; oy < outH; oy++ {
					iy := oy*p.Stride - p.Padding + ky
					for ox := 0; ox < outW; ox++ {
						ix := ox*p.Stride - p.Padding + kx
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							row[oy*outW+ox] = src[(c*h+iy)*w+ix]
						} else {
							row[oy*outW+ox] = 0
						}
					}
				}
			}
		}
	}
}

func col2im(cols, dst []float32, channels, h, w, kernel int, p Conv2DParams, outH, outW int) {
	l := outH * outW
	for c := 0; c < channels; c++ {
		for ky := 0; ky < kernel; ky++ {
			for kx := 0; kx < kernel; kx++ {
				row := cols[((c*kernel+ky)*kernel+kx)*l:]
				for oy := 0; oy < outH; oy++ {
					iy := oy*p.Stride - p.Padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < outW; ox++ {
						ix := ox*p.Stride - p.Padding + kx
						if ix >= 0 && ix < w {
							dst[(c*h+iy)*w+ix] += row[oy*outW+ox]
						}
					}
				}
			}
		}
	}
}
