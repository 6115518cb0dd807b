package training

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/tsawler/go-remind/tensor"
)

func TestProgressBarRender(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar("Epoch 1/2", 4)
	pb.SetOutput(&buf)
	pb.Update(2, map[string]float64{"G_L1_all": 0.5, "D_fake_all": 0.25})

	line := buf.String()
	if !strings.Contains(line, " 50%") || !strings.Contains(line, "2/4") {
		t.Errorf("unexpected progress line %q", line)
	}
	if strings.Index(line, "D_fake_all=0.250") > strings.Index(line, "G_L1_all=0.500") {
		t.Errorf("metrics should be sorted by name: %q", line)
	}

	buf.Reset()
	pb.Finish()
	if !strings.Contains(buf.String(), "100%") || !strings.HasSuffix(buf.String(), "\n") {
		t.Errorf("Finish should render a full bar and end the line: %q", buf.String())
	}

	empty := NewProgressBar("empty", 0)
	empty.SetOutput(&buf)
	empty.Update(0, nil)
}

func TestTrainingSession(t *testing.T) {
	var buf bytes.Buffer
	ts := NewTrainingSession("tiny", 3, 2, &buf)
	ts.StartEpoch(1)
	ts.UpdateTrainingProgress(1, map[string]float64{"G_GAN_all": 1})
	ts.UpdateTrainingProgress(2, map[string]float64{"G_GAN_all": 3})
	ts.FinishTrainingEpoch()

	if avg := ts.EpochAverages()["G_GAN_all"]; avg != 2 {
		t.Errorf("average %v, want 2", avg)
	}
	ts.PrintEpochSummary()
	if !strings.Contains(buf.String(), "End of epoch 1 / 3") || !strings.Contains(buf.String(), "G_GAN_all: 2.000") {
		t.Errorf("unexpected summary:\n%s", buf.String())
	}

	ts.StartEpoch(2)
	if len(ts.EpochAverages()) != 0 {
		t.Error("a new epoch should reset the averages")
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := []struct {
		count int64
		want  string
	}{
		{12, "12"},
		{54414, "54.4K"},
		{54414000, "54.4M"},
	}
	for _, tt := range tests {
		if got := formatParameterCount(tt.count); got != tt.want {
			t.Errorf("formatParameterCount(%d) = %s, want %s", tt.count, got, tt.want)
		}
	}
}

func TestFormatLosses(t *testing.T) {
	got := FormatLosses(map[string]float64{"b": 2, "a": 1})
	if !strings.HasPrefix(got, "a: 1.000") {
		t.Errorf("FormatLosses = %q", got)
	}
}

func TestCalculateImageMetrics(t *testing.T) {
	a, _ := tensor.NewTensor([]int{1, 1, 1, 2}, []float32{1, -1})
	b, _ := tensor.NewTensor([]int{1, 1, 1, 2}, []float32{0, -1})

	m, err := CalculateImageMetrics(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if m.Get(MAE) != 0.5 || m.Get(MSE) != 0.5 {
		t.Errorf("MAE %v MSE %v, want 0.5 0.5", m.MAE, m.MSE)
	}
	if math.Abs(m.Get(PSNR)-10*math.Log10(8)) > 1e-9 {
		t.Errorf("PSNR %v", m.PSNR)
	}

	same, _ := CalculateImageMetrics(a, a)
	if !math.IsInf(same.PSNR, 1) {
		t.Errorf("identical images should have infinite PSNR, got %v", same.PSNR)
	}

	c, _ := tensor.NewTensor([]int{1, 1, 1, 3}, []float32{0, 0, 0})
	if _, err := CalculateImageMetrics(a, c); err == nil {
		t.Error("expected a shape error")
	}
	if MetricType(9).String() != "Unknown(9)" {
		t.Errorf("unexpected name %s", MetricType(9))
	}
}
