package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-remind/layers"
	"github.com/tsawler/go-remind/networks"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
	out         io.Writer
}

// NewProgressBar creates a progress bar that renders to stdout
func NewProgressBar(description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
		out:         os.Stdout,
	}
}

// SetOutput redirects rendering, e.g. to a buffer in tests
func (pb *ProgressBar) SetOutput(w io.Writer) {
	pb.out = w
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1.0)
	}
	filled := min(int(percentage*float64(pb.width)), pb.width)
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.3f", k, pb.metrics[k])
	}
	line += "]"

	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints PyTorch-style network architectures
type ModelArchitecturePrinter struct {
	modelName string
	out       io.Writer
}

func NewModelArchitecturePrinter(modelName string, out io.Writer) *ModelArchitecturePrinter {
	if out == nil {
		out = os.Stdout
	}
	return &ModelArchitecturePrinter{modelName: modelName, out: out}
}

// PrintArchitecture prints every block of net followed by a parameter summary
func (p *ModelArchitecturePrinter) PrintArchitecture(net networks.Network) {
	fmt.Fprintf(p.out, "%s [%s](\n", p.modelName, net.Architecture())
	var total int64
	for i, spec := range net.Specs() {
		fmt.Fprintf(p.out, "  (block%d): Sequential(\n", i)
		for _, layer := range spec.Layers {
			fmt.Fprintf(p.out, "    %s\n", p.formatLayer(layer))
		}
		fmt.Fprintf(p.out, "  )\n")
		total += spec.TotalParameters
	}
	fmt.Fprintf(p.out, ")\n")
	fmt.Fprintf(p.out, "[Network %s] Total number of parameters : %.3f M\n", p.modelName, float64(total)/1e6)
	fmt.Fprintf(p.out, "Params size (MB): %.3f\n", float64(total*4)/1024/1024)
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		return p.formatConv2D(layer)
	case layers.LeakyReLU:
		return fmt.Sprintf("(%s): LeakyReLU(negative_slope=%v)", layer.Name, layer.Parameters["negative_slope"])
	case layers.Dropout:
		return fmt.Sprintf("(%s): Dropout(p=%v)", layer.Name, layer.Parameters["rate"])
	case layers.InstanceNorm:
		return fmt.Sprintf("(%s): InstanceNorm2d(%d, eps=%v, affine=False)", layer.Name, layer.InputShape[1], layer.Parameters["eps"])
	case layers.Upsample:
		return fmt.Sprintf("(%s): Upsample(scale_factor=%v, mode='nearest')", layer.Name, layer.Parameters["factor"])
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

func (p *ModelArchitecturePrinter) formatConv2D(layer layers.LayerSpec) string {
	inChannels := layer.Parameters["input_channels"]
	outChannels := layer.Parameters["output_channels"]
	kernelSize := layer.Parameters["kernel_size"]
	stride := layer.Parameters["stride"]
	padding := layer.Parameters["padding"]
	useBias := layer.Parameters["use_bias"]

	return fmt.Sprintf("(%s): Conv2d(%v, %v, kernel_size=(%v, %v), stride=(%v, %v), padding=(%v, %v), bias=%v)",
		layer.Name, inChannels, outChannels, kernelSize, kernelSize, stride, stride, padding, padding, useBias)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// TrainingSession drives per-epoch progress output for a GAN training run
type TrainingSession struct {
	modelName     string
	epochs        int
	stepsPerEpoch int
	currentEpoch  int
	out           io.Writer

	trainProgress *ProgressBar
	meter         *LossMeter
	epochStart    time.Time
}

// NewTrainingSession creates a session for epochs epochs of stepsPerEpoch batches
func NewTrainingSession(modelName string, epochs, stepsPerEpoch int, out io.Writer) *TrainingSession {
	if out == nil {
		out = os.Stdout
	}
	return &TrainingSession{
		modelName:     modelName,
		epochs:        epochs,
		stepsPerEpoch: stepsPerEpoch,
		out:           out,
		meter:         NewLossMeter(),
	}
}

// StartEpoch begins a new epoch
func (ts *TrainingSession) StartEpoch(epoch int) {
	ts.currentEpoch = epoch
	ts.epochStart = time.Now()
	ts.meter.Reset()
	ts.trainProgress = NewProgressBar(fmt.Sprintf("Epoch %d/%d", epoch, ts.epochs), ts.stepsPerEpoch)
	ts.trainProgress.SetOutput(ts.out)
}

// UpdateTrainingProgress records the losses of one step
func (ts *TrainingSession) UpdateTrainingProgress(step int, losses map[string]float64) {
	ts.meter.Add(losses)
	ts.trainProgress.Update(step, losses)
}

func (ts *TrainingSession) FinishTrainingEpoch() {
	ts.trainProgress.Finish()
}

// EpochAverages returns the mean losses of the current epoch
func (ts *TrainingSession) EpochAverages() map[string]float64 {
	return ts.meter.Averages()
}

// PrintEpochSummary prints the average losses of the completed epoch
func (ts *TrainingSession) PrintEpochSummary() {
	fmt.Fprintf(ts.out, "End of epoch %d / %d \t Time Taken: %d sec\n",
		ts.currentEpoch, ts.epochs, int(time.Since(ts.epochStart).Seconds()))
	fmt.Fprintf(ts.out, "  %s\n\n", FormatLosses(ts.meter.Averages()))
}
