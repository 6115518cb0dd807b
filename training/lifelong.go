package training

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-remind/checkpoints"
	"github.com/tsawler/go-remind/config"
	"github.com/tsawler/go-remind/layers"
	"github.com/tsawler/go-remind/networks"
	"github.com/tsawler/go-remind/optimizer"
	"github.com/tsawler/go-remind/perceptual"
	"github.com/tsawler/go-remind/tensor"
	"github.com/tsawler/go-remind/vision/dataset"
)

var tracer = otel.Tracer("github.com/tsawler/go-remind/training")

// LifelongModel trains a conditional GAN on the current task while a frozen
// copy of the previous task's generator reminds the trainable generator of
// what it learned before.
type LifelongModel struct {
	NetG     networks.Network
	NetGPrev networks.Network // nil unless a previous model is configured
	NetD     []networks.Network

	// RunID tags checkpoints written by this model.
	RunID string

	opt     *config.Options
	isTrain bool
	saveDir string
	format  checkpoints.CheckpointFormat
	rng     *rand.Rand

	forward *ForwardRunner
	dStep   *DiscriminatorStep
	gStep   *GeneratorStep

	optimizerG optimizer.Optimizer
	optimizerD []optimizer.Optimizer
	scheduler  LRScheduler
	schedEpoch int

	streams *Streams
	outputs *ForwardOutputs
	dTerms  *DiscriminatorTerms
	gTerms  *GeneratorTerms
	lossD   *tensor.Tensor
	lossG   *tensor.Tensor
}

// NewLifelongModel builds the networks, losses and optimizers described by
// opt. In training mode with a previous model path, the previous task's
// generator is loaded into both the frozen and the trainable generator.
func NewLifelongModel(opt *config.Options, isTrain bool) (*LifelongModel, error) {
	if isTrain {
		if err := opt.Validate(); err != nil {
			return nil, err
		}
	}
	format, err := checkpoints.ParseFormat(opt.CheckpointFormat)
	if err != nil {
		return nil, err
	}

	m := &LifelongModel{
		RunID:   uuid.NewString(),
		opt:     opt,
		isTrain: isTrain,
		saveDir: opt.ExperimentDir(),
		format:  format,
		rng:     rand.New(rand.NewSource(opt.Seed)),
	}

	gcfg := networks.GeneratorConfig{
		Arch:           opt.NetG,
		InputChannels:  opt.InputNC,
		OutputChannels: opt.OutputNC,
		Filters:        opt.NGF,
		Norm:           opt.Norm,
		UseDropout:     !opt.NoDropout,
		ImageSize:      opt.LoadSize,
		InitType:       opt.InitType,
		InitGain:       opt.InitGain,
		Seed:           opt.Seed,
	}
	if m.NetG, err = networks.DefineG(gcfg); err != nil {
		return nil, err
	}
	mode := layers.Train(m.rng)
	m.forward = &ForwardRunner{Generator: m.NetG, Mode: mode}
	if !isTrain {
		return m, nil
	}

	if opt.PrevModelPath != "" {
		if m.NetGPrev, err = networks.DefineG(gcfg); err != nil {
			return nil, err
		}
		networks.SetRequiresGrad(false, m.NetGPrev)
		if err := m.LoadPreviousModel(); err != nil {
			return nil, err
		}
	}
	m.forward.Frozen = m.NetGPrev
	m.forward.Retention = opt.Retention()

	for i := 0; i < opt.SamplesPerTask; i++ {
		netD, err := networks.DefineD(networks.DiscriminatorConfig{
			Arch:          opt.NetD,
			InputChannels: opt.InputNC + opt.OutputNC,
			Filters:       opt.NDF,
			NLayers:       opt.NLayersD,
			Norm:          opt.Norm,
			ImageSize:     opt.LoadSize,
			InitType:      opt.InitType,
			InitGain:      opt.InitGain,
			Seed:          opt.Seed + int64(i) + 1,
		})
		if err != nil {
			return nil, err
		}
		m.NetD = append(m.NetD, netD)
	}

	criterion, err := NewGANLoss(opt.GANMode)
	if err != nil {
		return nil, err
	}
	extractor, err := perceptual.NewExtractor(perceptual.Config{InputChannels: opt.OutputNC, Seed: opt.Seed})
	if err != nil {
		return nil, err
	}
	if opt.PerceptualPath != "" {
		state, err := checkpoints.LoadStateDict(opt.PerceptualPath)
		if err != nil {
			return nil, fmt.Errorf("loading perceptual weights: %w", err)
		}
		if err := extractor.LoadState(state); err != nil {
			return nil, fmt.Errorf("loading perceptual weights from %s: %w", opt.PerceptualPath, err)
		}
	}

	m.dStep = &DiscriminatorStep{
		Discriminators: m.NetD,
		Criterion:      criterion,
		Lambda:         opt.LambdaD,
		Mode:           mode,
	}
	m.gStep = &GeneratorStep{
		Discriminators: m.NetD,
		Criterion:      criterion,
		Perceptual:     perceptual.NewLoss(extractor),
		Weights: LossWeights{
			DigestingL1:         opt.LambdaDigestingL1,
			DigestingPerceptual: opt.LambdaDigestingPerceptual,
			RemindingL1:         opt.LambdaRemindingL1,
			RemindingPerceptual: opt.LambdaRemindingPerceptual,
			G:                   opt.LambdaG,
		},
		Mode: mode,
	}

	ocfg := optimizer.Config{
		Name:         opt.Optimizer,
		LearningRate: float32(opt.LR),
		Beta1:        float32(opt.Beta1),
		Beta2:        0.999,
	}
	if m.optimizerG, err = optimizer.New(ocfg, m.NetG.Parameters()); err != nil {
		return nil, fmt.Errorf("generator optimizer: %w", err)
	}
	for i, netD := range m.NetD {
		o, err := optimizer.New(ocfg, netD.Parameters())
		if err != nil {
			return nil, fmt.Errorf("discriminator %d optimizer: %w", i, err)
		}
		m.optimizerD = append(m.optimizerD, o)
	}
	m.scheduler, err = NewScheduler(opt.LRPolicy, SchedulerOptions{
		NEpochs:      opt.NEpochs,
		NEpochsDecay: opt.NEpochsDecay,
		EpochCount:   opt.EpochCount,
		LRDecayIters: opt.LRDecayIters,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LoadPreviousModel loads {prev_model_path}/{prev_model_epoch}_net_G into
// the frozen and the trainable generator.
func (m *LifelongModel) LoadPreviousModel() error {
	path := checkpoints.NetworkPath(m.opt.PrevModelPath, m.opt.PrevModelEpoch, "G", m.format)
	klog.InfoS("loading the previous task model", "path", path)
	state, err := checkpoints.LoadStateDict(path)
	if err != nil {
		return fmt.Errorf("loading previous model: %w", err)
	}
	for _, net := range []networks.Network{m.NetGPrev, m.NetG} {
		if err := networks.LoadStateDict(net, state); err != nil {
			return fmt.Errorf("loading previous model %s: %w", path, err)
		}
	}
	return nil
}

// HasRetention reports whether the retention losses are computed.
func (m *LifelongModel) HasRetention() bool { return m.forward.Retention }

// SetInput unpacks a batch of SamplesPerTask*TaskNum streams.
func (m *LifelongModel) SetInput(b *dataset.Batch) error {
	s, err := NewStreams(b, m.opt.TaskNum, m.opt.SamplesPerTask)
	if err != nil {
		return err
	}
	m.streams = s
	return nil
}

// Forward generates the images of the current input.
func (m *LifelongModel) Forward() error {
	if m.streams == nil {
		return fmt.Errorf("forward called before SetInput")
	}
	out, err := m.forward.Run(m.streams)
	if err != nil {
		return err
	}
	m.outputs = out
	return nil
}

// OptimizeParameters runs one training step: forward, discriminator update,
// then generator update reusing the same forward outputs.
func (m *LifelongModel) OptimizeParameters(ctx context.Context) error {
	if !m.isTrain {
		return fmt.Errorf("optimize called on a model built for inference")
	}
	ctx, span := tracer.Start(ctx, "lifelong.OptimizeParameters", trace.WithAttributes(
		attribute.Int("task", m.opt.TaskNum),
		attribute.Int("streams", m.opt.StreamCount()),
		attribute.Bool("retention", m.HasRetention()),
	))
	defer span.End()
	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	_, phase := tracer.Start(ctx, "forward")
	err := m.Forward()
	phase.End()
	if err != nil {
		return fail(err)
	}

	_, phase = tracer.Start(ctx, "discriminator")
	networks.SetRequiresGrad(true, m.NetD...)
	for _, o := range m.optimizerD {
		o.ZeroGrad()
	}
	m.dTerms, m.lossD, err = m.dStep.Backward(m.streams, m.outputs)
	if err == nil {
		for i, o := range m.optimizerD {
			if err = o.Step(); err != nil {
				err = fmt.Errorf("discriminator %d step: %w", i, err)
				break
			}
		}
	}
	networks.SetRequiresGrad(false, m.NetD...)
	phase.End()
	if err != nil {
		return fail(err)
	}

	_, phase = tracer.Start(ctx, "generator")
	m.optimizerG.ZeroGrad()
	m.gTerms, m.lossG, err = m.gStep.Backward(m.streams, m.outputs)
	if err == nil {
		if err = m.optimizerG.Step(); err != nil {
			err = fmt.Errorf("generator step: %w", err)
		}
	}
	phase.End()
	if err != nil {
		return fail(err)
	}
	return nil
}

// Test runs the generator on the current input without recording gradients.
func (m *LifelongModel) Test() error {
	if m.streams == nil {
		return fmt.Errorf("test called before SetInput")
	}
	networks.SetRequiresGrad(false, m.NetG)
	defer func() {
		if m.isTrain {
			networks.SetRequiresGrad(true, m.NetG)
		}
	}()
	runner := *m.forward
	runner.Mode = layers.Eval
	out, err := runner.Run(m.streams)
	if err != nil {
		return err
	}
	m.outputs = out
	return nil
}

// Translate runs the generator on a single source image in evaluation mode.
func (m *LifelongModel) Translate(a *tensor.Tensor) (*tensor.Tensor, error) {
	networks.SetRequiresGrad(false, m.NetG)
	defer func() {
		if m.isTrain {
			networks.SetRequiresGrad(true, m.NetG)
		}
	}()
	return m.NetG.Forward(a, layers.Eval)
}

// LossNames lists the names reported by CurrentLosses.
func (m *LifelongModel) LossNames() []string {
	names := []string{"G_GAN_all", "G_L1_all", "G_perceptual_all", "D_real_all", "D_fake_all"}
	if m.HasRetention() {
		names = append(names, "reminding_L1_all", "reminding_perceptual_all")
	}
	return names
}

// CurrentLosses returns the loss sums of the last optimization step.
func (m *LifelongModel) CurrentLosses() map[string]float64 {
	losses := make(map[string]float64)
	put := func(name string, t *tensor.Tensor) {
		if t == nil {
			return
		}
		if v, err := t.Item(); err == nil {
			losses[name] = v
		}
	}
	if m.gTerms != nil {
		put("G_GAN_all", m.gTerms.Adversarial)
		put("G_L1_all", m.gTerms.L1)
		put("G_perceptual_all", m.gTerms.Perceptual)
		if m.gTerms.HasRetention {
			put("reminding_L1_all", m.gTerms.RetentionL1)
			put("reminding_perceptual_all", m.gTerms.RetentionPerceptual)
		}
	}
	if m.dTerms != nil {
		put("D_real_all", m.dTerms.Real)
		put("D_fake_all", m.dTerms.Fake)
	}
	return losses
}

// VisualNames lists the images returned by CurrentVisuals in display order.
func (m *LifelongModel) VisualNames() []string {
	var names []string
	for k := 1; k <= m.opt.SamplesPerTask; k++ {
		if m.HasRetention() {
			names = append(names,
				fmt.Sprintf("real_A_prev%d", k), fmt.Sprintf("real_B_prev%d", k),
				fmt.Sprintf("fake_B_cur_prev%d", k), fmt.Sprintf("fake_B_prev%d", k))
		}
		names = append(names,
			fmt.Sprintf("real_A_cur%d", k), fmt.Sprintf("fake_B_cur%d", k), fmt.Sprintf("real_B_cur%d", k))
	}
	return names
}

// CurrentVisuals returns the inputs and generated images of the last
// forward pass. Previous-task visuals show the first task's streams.
func (m *LifelongModel) CurrentVisuals() map[string]*tensor.Tensor {
	visuals := make(map[string]*tensor.Tensor)
	if m.streams == nil {
		return visuals
	}
	for k, i := range m.streams.Current() {
		visuals[fmt.Sprintf("real_A_cur%d", k+1)] = m.streams.A[i]
		visuals[fmt.Sprintf("real_B_cur%d", k+1)] = m.streams.B[i]
		if m.outputs != nil && k < len(m.outputs.Current) {
			visuals[fmt.Sprintf("fake_B_cur%d", k+1)] = m.outputs.Current[k]
		}
	}
	if m.outputs == nil || !m.outputs.HasRetention {
		return visuals
	}
	prev := m.streams.Previous()
	for k := 0; k < m.opt.SamplesPerTask && k < len(prev); k++ {
		i := prev[k]
		visuals[fmt.Sprintf("real_A_prev%d", k+1)] = m.streams.A[i]
		visuals[fmt.Sprintf("real_B_prev%d", k+1)] = m.streams.B[i]
		visuals[fmt.Sprintf("fake_B_cur_prev%d", k+1)] = m.outputs.Retention.Trainable[k]
		visuals[fmt.Sprintf("fake_B_prev%d", k+1)] = m.outputs.Retention.Frozen[k]
	}
	return visuals
}

// ImagePaths returns the source paths of the current-task streams.
func (m *LifelongModel) ImagePaths() []string {
	var paths []string
	if m.streams == nil {
		return paths
	}
	for _, i := range m.streams.Current() {
		paths = append(paths, m.streams.Paths[i]...)
	}
	return paths
}

// LearningRate returns the generator's current learning rate.
func (m *LifelongModel) LearningRate() float64 {
	if m.optimizerG == nil {
		return 0
	}
	return float64(m.optimizerG.GetLearningRate())
}

// UpdateLearningRate advances the schedule by one epoch. metric is only
// used by the plateau policy.
func (m *LifelongModel) UpdateLearningRate(metric float64) float64 {
	old := m.LearningRate()
	m.schedEpoch++
	var lr float64
	if p, ok := m.scheduler.(*ReduceLROnPlateauScheduler); ok {
		lr = p.Step(metric, old)
	} else {
		lr = m.scheduler.GetLR(m.schedEpoch, 0, m.opt.LR)
	}
	for _, o := range m.optimizers() {
		o.UpdateLearningRate(float32(lr))
	}
	klog.InfoS("learning rate updated", "policy", m.scheduler.GetName(), "old", old, "new", lr)
	return lr
}

func (m *LifelongModel) optimizers() []optimizer.Optimizer {
	opts := append([]optimizer.Optimizer(nil), m.optimizerD...)
	if m.optimizerG != nil {
		opts = append(opts, m.optimizerG)
	}
	return opts
}

// namedNetworks returns the networks that are saved and loaded, keyed by
// their checkpoint name.
func (m *LifelongModel) namedNetworks() ([]string, []networks.Network) {
	names := []string{"G"}
	nets := []networks.Network{m.NetG}
	if !m.isTrain {
		return names, nets
	}
	for i, netD := range m.NetD {
		names = append(names, fmt.Sprintf("D_%d", i))
		nets = append(nets, netD)
	}
	return names, nets
}

// SaveNetworks writes every network, and in training mode every optimizer,
// under the experiment directory with the given epoch label.
func (m *LifelongModel) SaveNetworks(epoch string) error {
	meta := checkpoints.CheckpointMetadata{
		RunID:       m.RunID,
		Description: fmt.Sprintf("task %d", m.opt.TaskNum),
		Tags:        []string{m.opt.Name, "epoch_" + epoch},
	}
	names, nets := m.namedNetworks()
	for i, net := range nets {
		path := checkpoints.NetworkPath(m.saveDir, epoch, names[i], m.format)
		if err := checkpoints.SaveStateDict(path, names[i], networks.StateDict(net), meta); err != nil {
			return err
		}
		klog.V(1).InfoS("saved network", "name", names[i], "path", path)
	}
	if !m.isTrain {
		return nil
	}

	saver := checkpoints.NewCheckpointSaver(m.format)
	optNames := append([]string(nil), names[1:]...)
	optNames = append(optNames, "G")
	for i, o := range m.optimizers() {
		state, err := o.GetState()
		if err != nil {
			return fmt.Errorf("optimizer %s: %w", optNames[i], err)
		}
		cp := &checkpoints.Checkpoint{
			Network: optNames[i],
			TrainingState: checkpoints.TrainingState{
				Epoch:        m.schedEpoch,
				Step:         int(o.GetStepCount()),
				LearningRate: o.GetLearningRate(),
			},
			OptimizerState: state,
			Metadata:       meta,
		}
		if err := saver.SaveCheckpoint(cp, checkpoints.OptimizerPath(m.saveDir, epoch, optNames[i], m.format)); err != nil {
			return err
		}
	}
	return nil
}

// LoadNetworks restores the networks saved under an epoch label. Optimizer
// state is restored when present; a missing optimizer file only logs a
// warning so that networks saved by an inference run can seed training.
func (m *LifelongModel) LoadNetworks(epoch string) error {
	names, nets := m.namedNetworks()
	for i, net := range nets {
		path := checkpoints.NetworkPath(m.saveDir, epoch, names[i], m.format)
		klog.InfoS("loading the model", "path", path)
		state, err := checkpoints.LoadStateDict(path)
		if err != nil {
			return err
		}
		if err := networks.LoadStateDict(net, state); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	if !m.isTrain {
		return nil
	}

	saver := checkpoints.NewCheckpointSaver(m.format)
	optNames := append([]string(nil), names[1:]...)
	optNames = append(optNames, "G")
	for i, o := range m.optimizers() {
		path := checkpoints.OptimizerPath(m.saveDir, epoch, optNames[i], m.format)
		cp, err := saver.LoadCheckpoint(path)
		if err != nil {
			klog.Warningf("optimizer state not restored: %v", err)
			continue
		}
		if cp.OptimizerState == nil {
			return fmt.Errorf("checkpoint %s holds no optimizer state", path)
		}
		if err := o.LoadState(cp.OptimizerState); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		m.schedEpoch = cp.TrainingState.Epoch
	}
	return nil
}

// PrintNetworks prints the parameter count of every network and, with
// verbose, its layer structure.
func (m *LifelongModel) PrintNetworks(w io.Writer, verbose bool) {
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w, "---------- Networks initialized -------------")
	names, nets := m.namedNetworks()
	for i, net := range nets {
		if verbose {
			NewModelArchitecturePrinter(names[i], w).PrintArchitecture(net)
			continue
		}
		fmt.Fprintf(w, "[Network %s] Total number of parameters : %s\n",
			names[i], formatParameterCount(int64(networks.CountParameters(net))))
	}
	fmt.Fprintln(w, "-----------------------------------------------")
}
