package trainer

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/emirpasic/gods/v2/maps/treemap"
	"github.com/google/uuid"

	"github.com/chromagen/chromagen/adapter"
	"github.com/chromagen/chromagen/histogram"
	"github.com/chromagen/chromagen/histogram/encoder"
	"github.com/chromagen/chromagen/logutil"
	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/models/sd1"
	"github.com/chromagen/chromagen/safetensors"
)

// Components are the models a Trainer drives. The UNet and both VAE
// halves stay frozen; the histogram encoder and the injected adapter
// receive gradient updates.
type Components struct {
	UNet             *sd1.UNet
	VAEEncoder       *sd1.VAEEncoder
	VAEDecoder       *sd1.VAEDecoder
	Scheduler        *sd1.Scheduler
	HistogramEncoder *encoder.Encoder
}

func (c Components) validate(cfg Config) error {
	switch {
	case c.UNet == nil:
		return fmt.Errorf("training needs a UNet")
	case c.VAEEncoder == nil:
		return fmt.Errorf("training needs a VAE encoder")
	case c.VAEDecoder == nil:
		return fmt.Errorf("training needs a VAE decoder")
	case c.Scheduler == nil:
		return fmt.Errorf("training needs a noise scheduler")
	case c.HistogramEncoder == nil:
		return fmt.Errorf("training needs a histogram encoder")
	}

	if got := c.HistogramEncoder.Config.ColorBits; got != cfg.ColorBits {
		return fmt.Errorf("encoder expects %d color bits, the run is configured for %d", got, cfg.ColorBits)
	}
	if scale := c.VAEEncoder.Config.Scale(); cfg.ImageSize%scale != 0 {
		return fmt.Errorf("image size %d is not a multiple of the VAE scale %d", cfg.ImageSize, scale)
	}

	return nil
}

// Trainer owns one training run: the adapter under training, the
// optimizer, deterministic batching, checkpoints and metrics.
type Trainer struct {
	cfg Config
	ctx ml.Context

	models    Components
	adapter   *adapter.SD1Adapter
	extractor *histogram.Extractor
	opt       *AdamW
	frozen    []ml.Parameter

	rng   *rand.Rand
	runID string
	step  int

	metrics *Metrics
}

// New builds a trainer, injects a zero initialized adapter into the
// UNet, and resumes from cfg.Resume when set. The context must have
// gradients enabled.
func New(ctx ml.Context, cfg Config, models Components) (*Trainer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := models.validate(cfg); err != nil {
		return nil, err
	}
	if !ctx.Training() {
		return nil, fmt.Errorf("training requires a context with gradients enabled")
	}

	extractor, err := histogram.NewExtractor(cfg.ColorBits)
	if err != nil {
		return nil, err
	}

	a := adapter.NewSD1Adapter(ctx, models.UNet,
		adapter.WithEmbeddingDim(models.HistogramEncoder.Config.EmbeddingDim),
		adapter.WithZeroInit(),
	)
	a.Inject()

	params := a.NamedWeights()
	encWeights, err := safetensors.ModuleWeights(models.HistogramEncoder, "encoder")
	if err != nil {
		return nil, err
	}
	for name, w := range encWeights {
		params[name] = w
	}

	opt, err := NewAdamW(cfg, params)
	if err != nil {
		return nil, err
	}

	frozen, err := frozenParameters(models)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:       cfg,
		ctx:       ctx,
		models:    models,
		adapter:   a,
		extractor: extractor,
		opt:       opt,
		frozen:    frozen,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		runID:     uuid.New().String(),
	}

	if cfg.MetricsPath != "" {
		m, err := OpenMetrics(cfg.MetricsPath)
		if err != nil {
			return nil, err
		}
		t.metrics = m
	}

	if cfg.Resume != "" {
		if err := t.LoadCheckpoint(cfg.Resume); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// frozenParameters lists the weights of the frozen models so their
// accumulated gradients can be cleared after each step.
func frozenParameters(models Components) ([]ml.Parameter, error) {
	var frozen []ml.Parameter
	for name, module := range map[string]any{
		"unet":        models.UNet,
		"vae_encoder": models.VAEEncoder,
		"vae_decoder": models.VAEDecoder,
	} {
		weights, err := safetensors.ModuleWeights(module, name)
		if err != nil {
			return nil, err
		}
		for _, w := range weights {
			if p, ok := w.(ml.Parameter); ok {
				frozen = append(frozen, p)
			}
		}
	}

	return frozen, nil
}

// RunID identifies this run in checkpoints and metrics.
func (t *Trainer) RunID() string { return t.runID }

// StepsDone returns how many steps the run has completed, counting
// steps restored from a resumed checkpoint.
func (t *Trainer) StepsDone() int { return t.step }

// Adapter exposes the injected adapter, for ejection or evaluation.
func (t *Trainer) Adapter() *adapter.SD1Adapter { return t.adapter }

// Close ejects the adapter from the UNet and releases the metrics
// database. The trained weights stay loaded in the adapter.
func (t *Trainer) Close() error {
	t.adapter.Eject()
	if t.metrics != nil {
		return t.metrics.Close()
	}
	return nil
}

// Step runs one optimization step on a [batch, 3, H, W] image batch in
// [0, 1].
func (t *Trainer) Step(images ml.Tensor) (StepMetrics, error) {
	start := time.Now()
	batch := images.Dim(0)
	if batch == 0 {
		return StepMetrics{}, fmt.Errorf("batch is empty")
	}

	timesteps := make([]int, batch)
	for i := range timesteps {
		timesteps[i] = t.rng.Intn(t.models.Scheduler.TrainSteps)
	}

	ctx := t.ctx

	// The VAE works in [-1, 1].
	signal := images.Scale(ctx, 2).AddScalar(ctx, -1)
	latents := t.models.VAEEncoder.Encode(ctx, signal)
	noise := ctx.Randn(latents.Shape()...)
	noisy := t.models.Scheduler.AddNoise(ctx, latents, noise, timesteps)

	hist, err := t.extractor.Extract(ctx, images)
	if err != nil {
		return StepMetrics{}, err
	}
	emb := t.models.HistogramEncoder.Forward(ctx, hist)
	t.adapter.SetHistogramEmbedding(emb)

	textCtx := ctx.Zeros(ml.DTypeF32, batch, 1, t.models.UNet.Config.ContextDim)
	pred := t.models.UNet.Forward(ctx, noisy, timesteps, textCtx)

	noiseLoss := pred.MSE(ctx, noise)

	denoised := t.models.Scheduler.RemoveNoise(ctx, noisy, pred, timesteps)
	decoded := t.models.VAEDecoder.Decode(ctx, denoised)
	colorLoss := histogram.ColorLoss(ctx, decoded.AddScalar(ctx, 1).Scale(ctx, 0.5), images)

	loss := noiseLoss.Add(ctx, colorLoss.Scale(ctx, t.cfg.ColorLossWeight))

	ctx.Backward(loss)
	t.opt.Step()
	for _, p := range t.frozen {
		p.ZeroGrad()
	}

	t.step++
	return StepMetrics{
		Step:      t.step,
		Loss:      float64(loss.Item()),
		NoiseLoss: float64(noiseLoss.Item()),
		ColorLoss: float64(colorLoss.Item()),
		Duration:  time.Since(start),
	}, nil
}

// Run trains until cfg.Steps, loading batches from deterministic epoch
// permutations and calling report after each step when not nil. A final
// checkpoint lands in cfg.CheckpointDir as adapter.safetensors.
func (t *Trainer) Run(ctx context.Context, ds *Dataset, report func(StepMetrics)) error {
	if t.metrics != nil {
		if err := t.metrics.RecordRun(t.runID, t.cfg); err != nil {
			return err
		}
	}

	epoch := 0
	order := ds.Order(t.cfg.Seed, epoch)
	cursor := 0

	for t.step < t.cfg.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		indices := make([]int, 0, t.cfg.BatchSize)
		for len(indices) < t.cfg.BatchSize {
			if cursor == len(order) {
				epoch++
				order = ds.Order(t.cfg.Seed, epoch)
				cursor = 0
			}
			indices = append(indices, order[cursor])
			cursor++
		}

		images, err := ds.Load(ctx, t.ctx, indices)
		if err != nil {
			return err
		}

		m, err := t.Step(images)
		if err != nil {
			return err
		}
		logutil.TraceContext(ctx, "step", "run", t.runID, "step", m.Step, "loss", m.Loss, "duration", m.Duration)

		if t.metrics != nil {
			if err := t.metrics.RecordStep(t.runID, m); err != nil {
				return err
			}
		}
		if report != nil {
			report(m)
		}

		if t.cfg.CheckpointEvery > 0 && t.step%t.cfg.CheckpointEvery == 0 && t.step < t.cfg.Steps {
			if err := t.intermediateCheckpoint(); err != nil {
				return err
			}
		}
	}

	if t.cfg.CheckpointDir != "" {
		return t.SaveCheckpoint(filepath.Join(t.cfg.CheckpointDir, "adapter.safetensors"))
	}
	return nil
}

func (t *Trainer) intermediateCheckpoint() error {
	if t.cfg.CheckpointDir == "" {
		return nil
	}
	return t.SaveCheckpoint(filepath.Join(t.cfg.CheckpointDir, fmt.Sprintf("step-%06d.safetensors", t.step)))
}

// SaveCheckpoint writes the adapter and encoder weights to one archive
// with enough metadata to resume. The adapter entries keep their
// canonical names, so the file also loads as plain adapter weights.
func (t *Trainer) SaveCheckpoint(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	named := t.adapter.NamedWeights()
	encWeights, err := safetensors.ModuleWeights(t.models.HistogramEncoder, "encoder")
	if err != nil {
		return err
	}
	for name, w := range encWeights {
		named[name] = w
	}

	sorted := treemap.New[string, ml.Tensor]()
	for name, w := range named {
		sorted.Put(name, w)
	}

	tensors := make([]safetensors.TensorData, 0, sorted.Size())
	for _, name := range sorted.Keys() {
		w, _ := sorted.Get(name)
		tensors = append(tensors, safetensors.TensorData{
			Name:  name,
			Shape: w.Shape(),
			Data:  w.Floats(),
		})
	}

	return safetensors.WriteFile(path, tensors, map[string]string{
		"format":  adapter.WeightsFormat,
		"version": adapter.WeightsVersion,
		"run":     t.runID,
		"step":    strconv.Itoa(t.step),
	})
}

// LoadCheckpoint restores the weights written by SaveCheckpoint and
// adopts the saved step counter and run ID. Optimizer moments are not
// saved; a resumed run restarts them.
func (t *Trainer) LoadCheckpoint(path string) error {
	weights, err := safetensors.ReadFile(path)
	if err != nil {
		return err
	}

	if err := t.adapter.LoadWeightsFile(path); err != nil {
		return err
	}
	if err := safetensors.LoadModule(t.models.HistogramEncoder, weights, "encoder"); err != nil {
		return err
	}

	meta := weights.Metadata()
	if s := meta["step"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("checkpoint step %q is not a number", s)
		}
		t.step = n
	}
	if run := meta["run"]; run != "" {
		t.runID = run
	}

	return nil
}
