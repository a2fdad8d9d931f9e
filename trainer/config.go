// Package trainer fits the histogram adapter and encoder against a
// frozen diffusion stack: images are noised, the UNet predicts the
// noise with the adapter injected, and the loss mixes noise prediction
// with a color reconstruction term.
package trainer

import (
	"fmt"

	"github.com/chromagen/chromagen/envconfig"
	"github.com/chromagen/chromagen/histogram"
)

// Config collects every knob of a training run. Start from
// DefaultConfig and override fields from command line flags.
type Config struct {
	Steps           int
	BatchSize       int
	ImageSize       int
	LR              float64
	Beta1           float64
	Beta2           float64
	Eps             float64
	WeightDecay     float64
	ColorLossWeight float64
	ColorBits       int
	Seed            int64
	Workers         int

	DataDir         string
	CheckpointDir   string
	CheckpointEvery int
	MetricsPath     string
	Resume          string
}

func DefaultConfig() Config {
	return Config{
		Steps:           1000,
		BatchSize:       4,
		ImageSize:       64,
		LR:              1e-4,
		Beta1:           0.9,
		Beta2:           0.999,
		Eps:             1e-8,
		WeightDecay:     0.01,
		ColorLossWeight: 0.1,
		ColorBits:       int(envconfig.ColorBits()),
		Seed:            42,
		CheckpointEvery: 100,
	}
}

func (c Config) validate() error {
	if c.Steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", c.Steps)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("image size must be positive, got %d", c.ImageSize)
	}
	if c.LR <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LR)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("betas must sit in [0, 1), got %g and %g", c.Beta1, c.Beta2)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("epsilon must be positive, got %g", c.Eps)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay must not be negative, got %g", c.WeightDecay)
	}
	if c.ColorLossWeight < 0 {
		return fmt.Errorf("color loss weight must not be negative, got %g", c.ColorLossWeight)
	}
	if c.ColorBits < histogram.MinBits || c.ColorBits > histogram.MaxBits {
		return fmt.Errorf("color bits must be between %d and %d, got %d", histogram.MinBits, histogram.MaxBits, c.ColorBits)
	}

	return nil
}
