// Package config holds the options of a lifelong training run. Options are
// read from an optional JSON file and then overridden from command-line flags.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidOptions is returned by Validate for inconsistent options.
var ErrInvalidOptions = errors.New("invalid options")

// Options configures the networks, losses and schedule of one task.
type Options struct {
	Name           string `json:"name"`
	CheckpointsDir string `json:"checkpoints_dir"`
	DataRoot       string `json:"dataroot"`
	// TaskDirs lists one dataset directory per task, oldest first. Only the
	// first TaskNum entries are used.
	TaskDirs       []string `json:"task_dirs"`
	Direction      string   `json:"direction"` // AtoB or BtoA
	TaskNum        int      `json:"task_num"`
	SamplesPerTask int      `json:"samples_per_task"`
	BatchSize      int      `json:"batch_size"`
	LoadSize       int      `json:"load_size"`
	SerialBatches  bool     `json:"serial_batches"`
	MaxDatasetSize int      `json:"max_dataset_size"`

	InputNC   int     `json:"input_nc"`
	OutputNC  int     `json:"output_nc"`
	NGF       int     `json:"ngf"`
	NDF       int     `json:"ndf"`
	NetG      string  `json:"netG"`
	NetD      string  `json:"netD"`
	NLayersD  int     `json:"n_layers_D"`
	Norm      string  `json:"norm"`
	InitType  string  `json:"init_type"`
	InitGain  float64 `json:"init_gain"`
	NoDropout bool    `json:"no_dropout"`

	GANMode      string  `json:"gan_mode"`
	Optimizer    string  `json:"optimizer"`
	LR           float64 `json:"lr"`
	Beta1        float64 `json:"beta1"`
	LRPolicy     string  `json:"lr_policy"`
	NEpochs      int     `json:"n_epochs"`
	NEpochsDecay int     `json:"n_epochs_decay"`
	LRDecayIters int     `json:"lr_decay_iters"`
	EpochCount   int     `json:"epoch_count"`

	LambdaDigestingL1         float64 `json:"lambda_digesting_L1"`
	LambdaDigestingPerceptual float64 `json:"lambda_digesting_perceptual"`
	LambdaRemindingL1         float64 `json:"lambda_reminding_L1"`
	LambdaRemindingPerceptual float64 `json:"lambda_reminding_perceptual"`
	LambdaG                   float64 `json:"lambda_G"`
	LambdaD                   float64 `json:"lambda_D"`

	PrevModelPath  string `json:"prev_model_path"`
	PrevModelEpoch string `json:"prev_model_epoch"`
	NoLifelong     bool   `json:"no_lifelong"`
	ContinueTrain  bool   `json:"continue_train"`
	LoadEpoch      string `json:"epoch"`

	CheckpointFormat string `json:"checkpoint_format"`
	PerceptualPath   string `json:"perceptual_path"`
	HistoryDB        string `json:"history_db"`
	Seed             int64  `json:"seed"`
	Workers          int    `json:"workers"`
	PrefetchBatches  int    `json:"prefetch_batches"`

	PrintFreq      int `json:"print_freq"`
	SaveLatestFreq int `json:"save_latest_freq"`
	SaveEpochFreq  int `json:"save_epoch_freq"`
	DisplayFreq    int `json:"display_freq"`
}

// Default returns the options of the reference training setup.
func Default() *Options {
	return &Options{
		Name:           "experiment_name",
		CheckpointsDir: "./checkpoints",
		DataRoot:       "./datasets",
		Direction:      "AtoB",
		TaskNum:        1,
		SamplesPerTask: 2,
		BatchSize:      1,
		LoadSize:       64,
		MaxDatasetSize: 0,

		InputNC:  3,
		OutputNC: 3,
		NGF:      64,
		NDF:      64,
		NetG:     "unet_64",
		NetD:     "basic",
		NLayersD: 3,
		Norm:     "instance",
		InitType: "normal",
		InitGain: 0.02,

		GANMode:      "vanilla",
		Optimizer:    "adam",
		LR:           0.0002,
		Beta1:        0.5,
		LRPolicy:     "linear",
		NEpochs:      100,
		NEpochsDecay: 100,
		LRDecayIters: 50,
		EpochCount:   1,

		LambdaDigestingL1:         100,
		LambdaDigestingPerceptual: 1,
		LambdaRemindingL1:         10,
		LambdaRemindingPerceptual: 1,
		LambdaG:                   0.1,
		LambdaD:                   0.05,

		PrevModelEpoch: "latest",
		LoadEpoch:      "latest",

		CheckpointFormat: "json",
		Seed:             1,
		PrefetchBatches:  2,

		PrintFreq:      100,
		SaveLatestFreq: 5000,
		SaveEpochFreq:  5,
		DisplayFreq:    400,
	}
}

// Load reads options from a JSON file on top of the defaults.
func Load(path string) (*Options, error) {
	opt := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read options file: %w", err)
	}
	if err := json.Unmarshal(data, opt); err != nil {
		return nil, fmt.Errorf("failed to parse options file %s: %w", path, err)
	}
	return opt, nil
}

// Parse builds options from command-line arguments. The JSON file named by
// -config, if any, is applied on top of the defaults and the remaining flags
// override it. Callers may define extra flags on fs beforehand.
func Parse(fs *flag.FlagSet, args []string) (*Options, error) {
	opt := Default()
	if path := configFlag(args); path != "" {
		var err error
		if opt, err = Load(path); err != nil {
			return nil, err
		}
	}
	fs.String("config", "", "JSON options file applied before the other flags")
	opt.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opt, nil
}

func configFlag(args []string) string {
	for i, a := range args {
		if a == "--" || !strings.HasPrefix(a, "-") {
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// Save writes the options as indented JSON, e.g. next to the checkpoints.
func (o *Options) Save(path string) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// RegisterFlags binds every option to a flag whose default is the current value.
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Name, "name", o.Name, "name of the experiment; checkpoints are stored under checkpoints_dir/name")
	fs.StringVar(&o.CheckpointsDir, "checkpoints_dir", o.CheckpointsDir, "models are saved here")
	fs.StringVar(&o.DataRoot, "dataroot", o.DataRoot, "root of the task datasets")
	fs.Func("task_dirs", "comma separated dataset directory per task, oldest first", func(s string) error {
		o.TaskDirs = splitList(s)
		return nil
	})
	fs.StringVar(&o.Direction, "direction", o.Direction, "AtoB or BtoA")
	fs.IntVar(&o.TaskNum, "task_num", o.TaskNum, "index of the task being trained, starting at 1")
	fs.IntVar(&o.SamplesPerTask, "samples_per_task", o.SamplesPerTask, "streams drawn from each task per batch")
	fs.IntVar(&o.BatchSize, "batch_size", o.BatchSize, "images per stream")
	fs.IntVar(&o.LoadSize, "load_size", o.LoadSize, "images are resized to this size")
	fs.BoolVar(&o.SerialBatches, "serial_batches", o.SerialBatches, "take images in order instead of shuffling")
	fs.IntVar(&o.MaxDatasetSize, "max_dataset_size", o.MaxDatasetSize, "maximum pairs per task, 0 for all")

	fs.IntVar(&o.InputNC, "input_nc", o.InputNC, "# of input image channels")
	fs.IntVar(&o.OutputNC, "output_nc", o.OutputNC, "# of output image channels")
	fs.IntVar(&o.NGF, "ngf", o.NGF, "# of gen filters in the last conv layer")
	fs.IntVar(&o.NDF, "ndf", o.NDF, "# of discrim filters in the first conv layer")
	fs.StringVar(&o.NetG, "netG", o.NetG, "generator architecture [resnet_9blocks | resnet_6blocks | unet_256 | unet_128 | ...]")
	fs.StringVar(&o.NetD, "netD", o.NetD, "discriminator architecture [basic | n_layers | pixel]")
	fs.IntVar(&o.NLayersD, "n_layers_D", o.NLayersD, "only used if netD==n_layers")
	fs.StringVar(&o.Norm, "norm", o.Norm, "instance normalization or none")
	fs.StringVar(&o.InitType, "init_type", o.InitType, "network initialization [normal | xavier | kaiming]")
	fs.Float64Var(&o.InitGain, "init_gain", o.InitGain, "scaling factor for normal and xavier")
	fs.BoolVar(&o.NoDropout, "no_dropout", o.NoDropout, "no dropout for the generator")

	fs.StringVar(&o.GANMode, "gan_mode", o.GANMode, "GAN objective [vanilla | lsgan]")
	fs.StringVar(&o.Optimizer, "optimizer", o.Optimizer, "optimizer [adam | sgd | rmsprop]")
	fs.Float64Var(&o.LR, "lr", o.LR, "initial learning rate")
	fs.Float64Var(&o.Beta1, "beta1", o.Beta1, "momentum term of adam")
	fs.StringVar(&o.LRPolicy, "lr_policy", o.LRPolicy, "learning rate policy [linear | step | plateau | cosine]")
	fs.IntVar(&o.NEpochs, "n_epochs", o.NEpochs, "number of epochs with the initial learning rate")
	fs.IntVar(&o.NEpochsDecay, "n_epochs_decay", o.NEpochsDecay, "number of epochs to linearly decay learning rate to zero")
	fs.IntVar(&o.LRDecayIters, "lr_decay_iters", o.LRDecayIters, "multiply by a gamma every lr_decay_iters epochs")
	fs.IntVar(&o.EpochCount, "epoch_count", o.EpochCount, "the starting epoch count")

	fs.Float64Var(&o.LambdaDigestingL1, "lambda_digesting_L1", o.LambdaDigestingL1, "weight for L1 loss on the current task")
	fs.Float64Var(&o.LambdaDigestingPerceptual, "lambda_digesting_perceptual", o.LambdaDigestingPerceptual, "weight for perceptual loss on the current task")
	fs.Float64Var(&o.LambdaRemindingL1, "lambda_reminding_L1", o.LambdaRemindingL1, "weight for L1 retention loss")
	fs.Float64Var(&o.LambdaRemindingPerceptual, "lambda_reminding_perceptual", o.LambdaRemindingPerceptual, "weight for perceptual retention loss")
	fs.Float64Var(&o.LambdaG, "lambda_G", o.LambdaG, "overall generator loss weight")
	fs.Float64Var(&o.LambdaD, "lambda_D", o.LambdaD, "overall discriminator loss weight")

	fs.StringVar(&o.PrevModelPath, "prev_model_path", o.PrevModelPath, "checkpoint directory of the previous task")
	fs.StringVar(&o.PrevModelEpoch, "prev_model_epoch", o.PrevModelEpoch, "which epoch of the previous task to load")
	fs.BoolVar(&o.NoLifelong, "no_lifelong", o.NoLifelong, "disable retention losses")
	fs.BoolVar(&o.ContinueTrain, "continue_train", o.ContinueTrain, "continue training: load the latest model")
	fs.StringVar(&o.LoadEpoch, "epoch", o.LoadEpoch, "which epoch to load when continuing or testing")

	fs.StringVar(&o.CheckpointFormat, "checkpoint_format", o.CheckpointFormat, "checkpoint encoding [json | proto]")
	fs.StringVar(&o.PerceptualPath, "perceptual_path", o.PerceptualPath, "optional weights for the perceptual feature extractor")
	fs.StringVar(&o.HistoryDB, "history_db", o.HistoryDB, "sqlite file recording loss history, empty to disable")
	fs.Int64Var(&o.Seed, "seed", o.Seed, "random seed")
	fs.IntVar(&o.Workers, "workers", o.Workers, "tensor kernel goroutines, 0 for auto")
	fs.IntVar(&o.PrefetchBatches, "prefetch_batches", o.PrefetchBatches, "batches loaded ahead of training")

	fs.IntVar(&o.PrintFreq, "print_freq", o.PrintFreq, "frequency of printing losses, in iterations")
	fs.IntVar(&o.SaveLatestFreq, "save_latest_freq", o.SaveLatestFreq, "frequency of saving the latest results, in iterations")
	fs.IntVar(&o.SaveEpochFreq, "save_epoch_freq", o.SaveEpochFreq, "frequency of saving checkpoints at the end of epochs")
	fs.IntVar(&o.DisplayFreq, "display_freq", o.DisplayFreq, "frequency of saving visuals, in iterations")
}

// Validate checks option consistency.
func (o *Options) Validate() error {
	var problems []string
	if o.TaskNum < 1 {
		problems = append(problems, fmt.Sprintf("task_num must be >= 1, got %d", o.TaskNum))
	}
	if o.SamplesPerTask < 1 {
		problems = append(problems, fmt.Sprintf("samples_per_task must be >= 1, got %d", o.SamplesPerTask))
	}
	if o.BatchSize < 1 {
		problems = append(problems, "batch_size must be positive")
	}
	if o.InputNC < 1 || o.OutputNC < 1 || o.NGF < 1 || o.NDF < 1 {
		problems = append(problems, "channel counts must be positive")
	}
	if o.Direction != "AtoB" && o.Direction != "BtoA" {
		problems = append(problems, fmt.Sprintf("direction must be AtoB or BtoA, got %q", o.Direction))
	}
	if o.Retention() && o.PrevModelPath == "" {
		problems = append(problems, fmt.Sprintf("task_num %d needs prev_model_path unless no_lifelong is set", o.TaskNum))
	}
	if o.TaskNum > 1 && !o.NoLifelong && o.PrevModelEpoch == "" {
		problems = append(problems, "prev_model_epoch is empty")
	}
	if len(o.TaskDirs) > 0 && len(o.TaskDirs) < o.TaskNum {
		problems = append(problems, fmt.Sprintf("task_dirs lists %d tasks, task_num is %d", len(o.TaskDirs), o.TaskNum))
	}
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"lambda_digesting_L1", o.LambdaDigestingL1},
		{"lambda_digesting_perceptual", o.LambdaDigestingPerceptual},
		{"lambda_reminding_L1", o.LambdaRemindingL1},
		{"lambda_reminding_perceptual", o.LambdaRemindingPerceptual},
		{"lambda_G", o.LambdaG},
		{"lambda_D", o.LambdaD},
	} {
		if w.value < 0 {
			problems = append(problems, fmt.Sprintf("%s must not be negative", w.name))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(problems, "; "))
}

// Retention reports whether the retention losses against a frozen
// previous-task generator are active.
func (o *Options) Retention() bool {
	return o.TaskNum > 1 && !o.NoLifelong
}

// StreamCount is the number of image streams in one batch.
func (o *Options) StreamCount() int {
	return o.SamplesPerTask * o.TaskNum
}

// ExperimentDir is the checkpoint directory of this run.
func (o *Options) ExperimentDir() string {
	return filepath.Join(o.CheckpointsDir, o.Name)
}

// TaskDatasets returns the dataset directory of every task up to TaskNum,
// oldest first. Without task_dirs the layout {dataroot}/task{i} is assumed;
// relative task_dirs entries are resolved against dataroot.
func (o *Options) TaskDatasets() []string {
	dirs := make([]string, 0, o.TaskNum)
	for i := 0; i < o.TaskNum; i++ {
		if i < len(o.TaskDirs) {
			d := o.TaskDirs[i]
			if !filepath.IsAbs(d) {
				d = filepath.Join(o.DataRoot, d)
			}
			dirs = append(dirs, d)
			continue
		}
		dirs = append(dirs, filepath.Join(o.DataRoot, fmt.Sprintf("task%d", i+1)))
	}
	return dirs
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
