// Command train trains the generator of one task. From the second task on,
// a frozen copy of the previous task's generator keeps the new generator
// from forgetting what it learned before.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-remind/config"
	"github.com/tsawler/go-remind/device"
	"github.com/tsawler/go-remind/history"
	"github.com/tsawler/go-remind/tensor"
	"github.com/tsawler/go-remind/training"
	"github.com/tsawler/go-remind/vision/dataloader"
	"github.com/tsawler/go-remind/vision/dataset"
	"github.com/tsawler/go-remind/vision/preprocessing"
)

func main() {
	klog.InitFlags(nil)
	opt, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		klog.ErrorS(err, "invalid command line")
		klog.Flush()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = train(ctx, opt)
	stop()
	if err != nil {
		klog.ErrorS(err, "training failed", "name", opt.Name, "task", opt.TaskNum)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func train(ctx context.Context, opt *config.Options) error {
	if opt.InputNC != opt.OutputNC {
		return fmt.Errorf("aligned pairs share one channel count, got input_nc %d and output_nc %d", opt.InputNC, opt.OutputNC)
	}
	info := device.Detect(opt.Workers)
	tensor.SetWorkers(info.Workers)
	klog.InfoS("compute device", "device", info.String())

	ds, err := dataset.LoadTasks(opt.TaskDatasets(), opt.SamplesPerTask, opt.MaxDatasetSize)
	if err != nil {
		return err
	}
	loader := dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:  opt.BatchSize,
		Shuffle:    !opt.SerialBatches,
		ImageSize:  opt.LoadSize,
		Channels:   opt.InputNC,
		NumWorkers: info.Workers,
		Prefetch:   opt.PrefetchBatches,
		Swap:       opt.Direction == "BtoA",
		Seed:       opt.Seed,
	})
	klog.InfoS("dataset loaded", "tasks", ds.Tasks(), "streams", ds.Streams(), "items", ds.Len(), "batches", loader.NumBatches())

	model, err := training.NewLifelongModel(opt, true)
	if err != nil {
		return err
	}
	if opt.ContinueTrain {
		if err := model.LoadNetworks(opt.LoadEpoch); err != nil {
			return err
		}
	}
	model.PrintNetworks(os.Stdout, klog.V(2).Enabled())

	expDir := opt.ExperimentDir()
	if err := os.MkdirAll(expDir, 0o755); err != nil {
		return err
	}
	if err := opt.Save(filepath.Join(expDir, "train_opt.json")); err != nil {
		return err
	}

	var store *history.Store
	if opt.HistoryDB != "" {
		if store, err = history.Open(opt.HistoryDB); err != nil {
			return err
		}
		defer store.Close()
		if _, err := store.StartRun(ctx, model.RunID, opt.Name, opt.TaskNum, opt); err != nil {
			return err
		}
	}

	lastEpoch := opt.NEpochs + opt.NEpochsDecay
	session := training.NewTrainingSession(opt.Name, lastEpoch, loader.NumBatches(), os.Stdout)
	totalIters := 0
	for epoch := opt.EpochCount; epoch <= lastEpoch; epoch++ {
		session.StartEpoch(epoch)
		batches := loader.Epoch(ctx)
		step := 0
		for {
			batch, err := batches.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				batches.Close()
				return err
			}
			if err := model.SetInput(batch); err != nil {
				batches.Close()
				return err
			}
			if err := model.OptimizeParameters(ctx); err != nil {
				batches.Close()
				return err
			}
			step++
			totalIters += opt.BatchSize

			losses := model.CurrentLosses()
			session.UpdateTrainingProgress(step, losses)
			if store != nil {
				if err := store.Record(ctx, model.RunID, epoch, totalIters, losses); err != nil {
					klog.ErrorS(err, "recording losses", "iters", totalIters)
				}
			}
			if every(totalIters, opt.PrintFreq) {
				klog.V(1).InfoS("losses", "epoch", epoch, "iters", totalIters, "losses", training.FormatLosses(losses))
			}
			if every(totalIters, opt.DisplayFreq) {
				if err := saveVisuals(model, filepath.Join(expDir, "web", "images"), epoch, totalIters); err != nil {
					klog.ErrorS(err, "saving visuals", "epoch", epoch)
				}
			}
			if every(totalIters, opt.SaveLatestFreq) {
				klog.InfoS("saving the latest model", "epoch", epoch, "iters", totalIters)
				if err := model.SaveNetworks("latest"); err != nil {
					batches.Close()
					return err
				}
			}
		}
		batches.Close()
		session.FinishTrainingEpoch()

		if err := ctx.Err(); err != nil {
			klog.InfoS("interrupted, saving the latest model", "epoch", epoch)
			if saveErr := model.SaveNetworks("latest"); saveErr != nil {
				return saveErr
			}
			return err
		}

		session.PrintEpochSummary()
		if every(epoch, opt.SaveEpochFreq) {
			klog.InfoS("saving the model at the end of epoch", "epoch", epoch, "iters", totalIters)
			for _, label := range []string{"latest", strconv.Itoa(epoch)} {
				if err := model.SaveNetworks(label); err != nil {
					return err
				}
			}
		}
		model.UpdateLearningRate(session.EpochAverages()["G_L1_all"])
	}
	return model.SaveNetworks("latest")
}

func every(n, freq int) bool {
	return freq > 0 && n%freq == 0
}

// saveVisuals writes the first image of every visual as a PNG.
func saveVisuals(model *training.LifelongModel, dir string, epoch, iters int) error {
	visuals := model.CurrentVisuals()
	for _, name := range model.VisualNames() {
		t, ok := visuals[name]
		if !ok {
			continue
		}
		img, err := preprocessing.TensorToImage(t, 0)
		if err != nil {
			return fmt.Errorf("visual %s: %w", name, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("epoch%03d_iter%06d_%s.png", epoch, iters, name))
		if err := preprocessing.SavePNG(path, img); err != nil {
			return err
		}
	}
	return nil
}
