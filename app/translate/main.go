// Command translate runs a saved generator over a folder of images.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-remind/config"
	"github.com/tsawler/go-remind/device"
	"github.com/tsawler/go-remind/tensor"
	"github.com/tsawler/go-remind/training"
	"github.com/tsawler/go-remind/vision/preprocessing"
)

func main() {
	klog.InitFlags(nil)
	input := flag.String("input", "", "folder of images to translate")
	output := flag.String("output", "results", "folder for translated images")
	aligned := flag.Bool("aligned", false, "inputs are side by side AB pairs; the source half is translated")
	opt, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		klog.ErrorS(err, "invalid command line")
		klog.Flush()
		os.Exit(2)
	}
	if *input == "" {
		klog.ErrorS(nil, "-input is required")
		klog.Flush()
		os.Exit(2)
	}

	if err := translate(opt, *input, *output, *aligned); err != nil {
		klog.ErrorS(err, "translation failed", "input", *input)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func translate(opt *config.Options, input, output string, aligned bool) error {
	info := device.Detect(opt.Workers)
	tensor.SetWorkers(info.Workers)
	klog.InfoS("compute device", "device", info.String())

	model, err := training.NewLifelongModel(opt, false)
	if err != nil {
		return err
	}
	if err := model.LoadNetworks(opt.LoadEpoch); err != nil {
		return err
	}

	entries, err := os.ReadDir(input)
	if err != nil {
		return err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && preprocessing.IsImageFile(e.Name()) {
			paths = append(paths, filepath.Join(input, e.Name()))
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return fmt.Errorf("no images in %s", input)
	}

	proc := preprocessing.NewImageProcessor(opt.LoadSize, opt.InputNC)
	meter := training.NewLossMeter()
	for i, path := range paths {
		var src, target *preprocessing.ProcessedImage
		if aligned {
			pair, err := proc.LoadAlignedPair(path)
			if err != nil {
				return err
			}
			src, target = pair.A, pair.B
			if opt.Direction == "BtoA" {
				src, target = pair.B, pair.A
			}
		} else if src, err = proc.LoadImage(path); err != nil {
			return err
		}

		x, err := preprocessing.ToTensor(src)
		if err != nil {
			return err
		}
		fake, err := model.Translate(x)
		if err != nil {
			return fmt.Errorf("translating %s: %w", path, err)
		}
		if target != nil {
			if err := recordMetrics(meter, fake, target); err != nil {
				return fmt.Errorf("scoring %s: %w", path, err)
			}
		}
		img, err := preprocessing.TensorToImage(fake, 0)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + "_fake_B.png"
		if err := preprocessing.SavePNG(filepath.Join(output, name), img); err != nil {
			return err
		}
		klog.V(1).InfoS("translated", "index", i, "path", path)
	}
	klog.InfoS("translation done", "images", len(paths), "output", output)
	if aligned {
		avg := meter.Averages()
		klog.InfoS("reconstruction against targets", "MAE", avg["MAE"], "RMSE", avg["RMSE"], "PSNR", avg["PSNR"])
	}
	return nil
}

// recordMetrics adds the per-image metrics of fake against target to meter.
// Identical images have an infinite PSNR and are left out of its average.
func recordMetrics(meter *training.LossMeter, fake *tensor.Tensor, target *preprocessing.ProcessedImage) error {
	want, err := preprocessing.ToTensor(target)
	if err != nil {
		return err
	}
	m, err := training.CalculateImageMetrics(fake, want)
	if err != nil {
		return err
	}
	values := map[string]float64{"MAE": m.MAE, "RMSE": m.RMSE}
	if !math.IsInf(m.PSNR, 1) {
		values["PSNR"] = m.PSNR
	}
	meter.Add(values)
	return nil
}
