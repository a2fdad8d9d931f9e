package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/chromagen/chromagen/envconfig"
	"github.com/chromagen/chromagen/format"
	"github.com/chromagen/chromagen/imageproc"
	"github.com/chromagen/chromagen/logutil"
	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/progress"
	"github.com/chromagen/chromagen/trainer"

	_ "github.com/chromagen/chromagen/ml/backend/cpu"
)

func newTrainCmd() *cobra.Command {
	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train a histogram adapter against a frozen diffusion stack",
		Args:  cobra.ExactArgs(0),
		RunE:  TrainHandler,
	}

	defaults := trainer.DefaultConfig()
	flags := trainCmd.Flags()
	flags.String("data", "", "Directory of training images")
	flags.Int("steps", defaults.Steps, "Number of optimization steps")
	flags.Int("batch-size", defaults.BatchSize, "Images per optimization step")
	flags.Int("image-size", defaults.ImageSize, "Training image edge in pixels")
	flags.Float64("lr", defaults.LR, "Learning rate")
	flags.Float64("color-loss-weight", defaults.ColorLossWeight, "Weight of the color reconstruction term")
	flags.Int("bits", defaults.ColorBits, "Histogram depth in bits per channel")
	flags.Int64("seed", defaults.Seed, "Seed for weight initialization, noise and batch order")
	flags.Int("workers", defaults.Workers, "Image decoding workers (default: all cores)")
	flags.String("checkpoint-dir", "", "Where checkpoints land (default: a fresh directory under the runs directory)")
	flags.Int("checkpoint-every", defaults.CheckpointEvery, "Steps between intermediate checkpoints (0 disables them)")
	flags.String("resume", "", "Checkpoint file to resume from")
	trainCmd.MarkFlagRequired("data")

	return trainCmd
}

func trainConfig(cmd *cobra.Command) (trainer.Config, error) {
	cfg := trainer.DefaultConfig()

	flags := cmd.Flags()
	var err error
	if cfg.DataDir, err = flags.GetString("data"); err != nil {
		return cfg, err
	}
	if cfg.Steps, err = flags.GetInt("steps"); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = flags.GetInt("batch-size"); err != nil {
		return cfg, err
	}
	if cfg.ImageSize, err = flags.GetInt("image-size"); err != nil {
		return cfg, err
	}
	if cfg.LR, err = flags.GetFloat64("lr"); err != nil {
		return cfg, err
	}
	if cfg.ColorLossWeight, err = flags.GetFloat64("color-loss-weight"); err != nil {
		return cfg, err
	}
	if cfg.ColorBits, err = flags.GetInt("bits"); err != nil {
		return cfg, err
	}
	if cfg.Seed, err = flags.GetInt64("seed"); err != nil {
		return cfg, err
	}
	if cfg.Workers, err = flags.GetInt("workers"); err != nil {
		return cfg, err
	}
	if cfg.CheckpointDir, err = flags.GetString("checkpoint-dir"); err != nil {
		return cfg, err
	}
	if cfg.CheckpointEvery, err = flags.GetInt("checkpoint-every"); err != nil {
		return cfg, err
	}
	if cfg.Resume, err = flags.GetString("resume"); err != nil {
		return cfg, err
	}

	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = filepath.Join(envconfig.Runs(), time.Now().Format("20060102-150405"))
	}
	if !envconfig.NoMetrics() {
		cfg.MetricsPath = filepath.Join(cfg.CheckpointDir, "metrics.db")
	}

	return cfg, nil
}

func TrainHandler(cmd *cobra.Command, args []string) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	cfg, err := trainConfig(cmd)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.CheckpointDir, 0o755); err != nil {
		return err
	}

	imageproc.RegisterFormats()
	ds, err := trainer.OpenDataset(cfg.DataDir, cfg.ImageSize, cfg.Workers)
	if err != nil {
		return err
	}

	backend, err := ml.NewBackend("cpu", ml.BackendParams{
		NumThreads: int(envconfig.NumThreads()),
		Seed:       cfg.Seed,
		Training:   true,
	})
	if err != nil {
		return err
	}

	ctx := backend.NewContext()
	defer ctx.Close()

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	spinner := progress.NewSpinner("loading models")
	p.Add(spinner)

	components, err := loadComponents(ctx, cfg.ColorBits)
	if err != nil {
		return err
	}

	t, err := trainer.New(ctx, cfg, components)
	if err != nil {
		return err
	}
	defer t.Close()

	spinner.Stop()

	bar := progress.NewBar(fmt.Sprintf("training %s:", t.RunID()), int64(cfg.Steps), int64(t.StepsDone()))
	p.Add(bar)

	start := time.Now()
	var last trainer.StepMetrics
	err = t.Run(cmd.Context(), ds, func(m trainer.StepMetrics) {
		last = m
		bar.Set(int64(m.Step))
	})
	if err != nil {
		return err
	}

	p.StopAndClear()

	fmt.Printf("trained %d steps on %d images in %s, final loss %.4f\n",
		last.Step, ds.Len(), format.HumanDuration(time.Since(start)), last.Loss)
	fmt.Printf("wrote %s\n", filepath.Join(cfg.CheckpointDir, "adapter.safetensors"))

	return nil
}
