// Package preprocessing converts between image files and normalized
// CHW tensors in [-1, 1].
package preprocessing

import (
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"github.com/tsawler/go-remind/tensor"
)

// ImageProcessor resizes images to a square target size and converts them
// to CHW float32 data. It reuses its resize buffer and is safe for
// concurrent use.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	targetSize      int
	channels        int
}

// NewImageProcessor creates a processor producing channels (1 or 3) x targetSize x targetSize images.
func NewImageProcessor(targetSize, channels int) *ImageProcessor {
	if channels != 1 {
		channels = 3
	}
	return &ImageProcessor{targetSize: targetSize, channels: channels}
}

// ProcessedImage is one preprocessed image in CHW layout.
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Pair is an aligned source/target image pair.
type Pair struct {
	A    *ProcessedImage
	B    *ProcessedImage
	Path string
}

// IsImageFile reports whether path has an extension the decoder supports.
func IsImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// DecodeImage decodes a PNG or JPEG image.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return img, nil
}

// SplitAB splits an image holding A and B side by side into its halves.
func SplitAB(img image.Image) (image.Image, image.Image, error) {
	b := img.Bounds()
	if b.Dx() < 2 {
		return nil, nil, errors.Errorf("image of width %d cannot be split into A and B", b.Dx())
	}
	half := b.Dx() / 2
	a := image.NewRGBA(image.Rect(0, 0, half, b.Dy()))
	draw.Draw(a, a.Bounds(), img, b.Min, draw.Src)
	bb := image.NewRGBA(image.Rect(0, 0, half, b.Dy()))
	draw.Draw(bb, bb.Bounds(), img, image.Pt(b.Min.X+half, b.Min.Y), draw.Src)
	return a, bb, nil
}

// Process resizes img and converts it to CHW data normalized to [-1, 1].
func (p *ImageProcessor) Process(img image.Image) *ProcessedImage {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.targetSize
	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != size {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, size, size))
	}
	dst := p.tempImageBuffer
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	data := make([]float32, p.channels*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			px := dst.RGBAAt(x, y)
			idx := y*size + x
			if p.channels == 1 {
				gray := color.GrayModel.Convert(px).(color.Gray)
				data[idx] = normalize(gray.Y)
				continue
			}
			data[idx] = normalize(px.R)
			data[plane+idx] = normalize(px.G)
			data[2*plane+idx] = normalize(px.B)
		}
	}
	return &ProcessedImage{Data: data, Width: size, Height: size, Channels: p.channels}
}

func normalize(v uint8) float32 {
	return float32(v)/127.5 - 1
}

func denormalize(v float32) uint8 {
	f := (v + 1) * 127.5
	switch {
	case f <= 0:
		return 0
	case f >= 255:
		return 255
	}
	return uint8(f + 0.5)
}

// LoadAlignedPair reads an AB image file and returns its processed halves.
func (p *ImageProcessor) LoadAlignedPair(path string) (*Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	img, err := DecodeImage(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	a, b, err := SplitAB(img)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return &Pair{A: p.Process(a), B: p.Process(b), Path: path}, nil
}

// LoadImage reads and processes a single image file.
func (p *ImageProcessor) LoadImage(path string) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	img, err := DecodeImage(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return p.Process(img), nil
}

// ToTensor wraps processed images of the same size into a [N, C, H, W] tensor.
func ToTensor(images ...*ProcessedImage) (*tensor.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("no images to stack")
	}
	first := images[0]
	n := len(first.Data)
	data := make([]float32, 0, n*len(images))
	for i, img := range images {
		if img.Channels != first.Channels || img.Width != first.Width || img.Height != first.Height {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "image %d is %dx%dx%d, want %dx%dx%d",
				i, img.Channels, img.Height, img.Width, first.Channels, first.Height, first.Width)
		}
		data = append(data, img.Data...)
	}
	return tensor.NewTensor([]int{len(images), first.Channels, first.Height, first.Width}, data)
}

// TensorToImage converts item index of a [N, C, H, W] tensor in [-1, 1] to
// an image. One channel yields a grayscale image, three an RGB image.
func TensorToImage(t *tensor.Tensor, index int) (image.Image, error) {
	if len(t.Shape) != 4 || index < 0 || index >= t.Shape[0] {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "cannot take image %d of shape %v", index, t.Shape)
	}
	c, h, w := t.Shape[1], t.Shape[2], t.Shape[3]
	plane := h * w
	src := t.Data[index*c*plane : (index+1)*c*plane]
	switch c {
	case 1:
		img := image.NewGray(image.Rect(0, 0, w, h))
		for i, v := range src {
			img.Pix[i] = denormalize(v)
		}
		return img, nil
	case 3:
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < plane; i++ {
			img.Pix[4*i] = denormalize(src[i])
			img.Pix[4*i+1] = denormalize(src[plane+i])
			img.Pix[4*i+2] = denormalize(src[2*plane+i])
			img.Pix[4*i+3] = 255
		}
		return img, nil
	default:
		return nil, errors.Errorf("cannot render %d channels as an image", c)
	}
}

// SavePNG writes img to path, creating parent directories.
func SavePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "encoding %s", path)
	}
	return f.Close()
}

// PreprocessPairs loads aligned pairs concurrently
func PreprocessPairs(paths []string, targetSize, channels, maxWorkers int) ([]*Pair, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*Pair, len(paths))
	errs := make([]error, len(paths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(paths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize, channels)
			for j := range jobs {
				results[j.index], errs[j.index] = processor.LoadAlignedPair(j.path)
			}
		}()
	}

	for i, path := range paths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to process image %d", i)
		}
	}
	return results, nil
}
