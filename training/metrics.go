package training

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tsawler/go-remind/tensor"
)

// MetricType represents the image reconstruction metrics
type MetricType int

const (
	MAE  MetricType = iota // Mean Absolute Error
	MSE                    // Mean Squared Error
	RMSE                   // Root Mean Squared Error
	PSNR                   // Peak signal-to-noise ratio in dB
)

func (mt MetricType) String() string {
	switch mt {
	case MAE:
		return "MAE"
	case MSE:
		return "MSE"
	case RMSE:
		return "RMSE"
	case PSNR:
		return "PSNR"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ImageMetrics compares a translated image with its target. Both are
// expected in [-1, 1], so the peak-to-peak range used for PSNR is 2.
type ImageMetrics struct {
	MAE  float64
	MSE  float64
	RMSE float64
	PSNR float64 // +Inf for identical images
}

func (m *ImageMetrics) Get(metric MetricType) float64 {
	switch metric {
	case MAE:
		return m.MAE
	case MSE:
		return m.MSE
	case RMSE:
		return m.RMSE
	case PSNR:
		return m.PSNR
	default:
		return math.NaN()
	}
}

// CalculateImageMetrics computes reconstruction metrics between two tensors of the same shape.
func CalculateImageMetrics(pred, target *tensor.Tensor) (*ImageMetrics, error) {
	if pred.NumElems != target.NumElems || pred.NumElems == 0 {
		return nil, fmt.Errorf("metrics: %w: %v vs %v", tensor.ErrShapeMismatch, pred.Shape, target.Shape)
	}
	var sumAbs, sumSq float64
	for i, p := range pred.Data {
		d := float64(p) - float64(target.Data[i])
		sumAbs += math.Abs(d)
		sumSq += d * d
	}
	n := float64(pred.NumElems)
	m := &ImageMetrics{MAE: sumAbs / n, MSE: sumSq / n}
	m.RMSE = math.Sqrt(m.MSE)
	if m.MSE == 0 {
		m.PSNR = math.Inf(1)
	} else {
		m.PSNR = 10 * math.Log10(4/m.MSE)
	}
	return m, nil
}

// LossMeter keeps running averages of named losses over an epoch.
type LossMeter struct {
	sums   map[string]float64
	counts map[string]int
}

func NewLossMeter() *LossMeter {
	return &LossMeter{sums: make(map[string]float64), counts: make(map[string]int)}
}

// Add records one observation of every loss in losses.
func (lm *LossMeter) Add(losses map[string]float64) {
	for k, v := range losses {
		lm.sums[k] += v
		lm.counts[k]++
	}
}

// Averages returns the mean of every loss seen since the last Reset.
func (lm *LossMeter) Averages() map[string]float64 {
	out := make(map[string]float64, len(lm.sums))
	for k, s := range lm.sums {
		out[k] = s / float64(lm.counts[k])
	}
	return out
}

func (lm *LossMeter) Reset() {
	clear(lm.sums)
	clear(lm.counts)
}

// FormatLosses renders losses in a stable, name-sorted order.
func FormatLosses(losses map[string]float64) string {
	names := make([]string, 0, len(losses))
	for k := range losses {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s: %.3f", k, losses[k])
	}
	return strings.Join(parts, " ")
}
