package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chromagen/chromagen/envconfig"
	"github.com/chromagen/chromagen/histogram/encoder"
	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/models/sd1"
	"github.com/chromagen/chromagen/safetensors"
	"github.com/chromagen/chromagen/trainer"
)

// loadComponents builds the frozen diffusion stack for a training run.
// UNet and VAE weights come from the models directory, each with an
// optional JSON config next to the archives. The histogram encoder
// starts fresh; resuming a checkpoint restores its weights.
func loadComponents(ctx ml.Context, colorBits int) (trainer.Components, error) {
	models := envconfig.Models()

	unetCfg := sd1.DefaultConfig()
	if err := readConfig(filepath.Join(models, "unet", "unet.json"), &unetCfg); err != nil {
		return trainer.Components{}, err
	}
	unetWeights, err := safetensors.ReadDir(filepath.Join(models, "unet"))
	if err != nil {
		return trainer.Components{}, fmt.Errorf("loading unet weights: %w", err)
	}
	unet, err := sd1.New(ctx, unetCfg)
	if err != nil {
		return trainer.Components{}, err
	}
	if err := safetensors.LoadModule(unet, unetWeights, "unet"); err != nil {
		return trainer.Components{}, err
	}

	vaeCfg := sd1.DefaultVAEConfig()
	if err := readConfig(filepath.Join(models, "vae", "vae.json"), &vaeCfg); err != nil {
		return trainer.Components{}, err
	}
	vaeWeights, err := safetensors.ReadDir(filepath.Join(models, "vae"))
	if err != nil {
		return trainer.Components{}, fmt.Errorf("loading vae weights: %w", err)
	}
	vaeEncoder, err := sd1.NewVAEEncoder(ctx, vaeCfg)
	if err != nil {
		return trainer.Components{}, err
	}
	if err := safetensors.LoadModule(vaeEncoder, vaeWeights, "vae_encoder"); err != nil {
		return trainer.Components{}, err
	}
	vaeDecoder, err := sd1.NewVAEDecoder(ctx, vaeCfg)
	if err != nil {
		return trainer.Components{}, err
	}
	if err := safetensors.LoadModule(vaeDecoder, vaeWeights, "vae_decoder"); err != nil {
		return trainer.Components{}, err
	}

	encCfg := encoder.DefaultConfig()
	encCfg.ColorBits = colorBits
	enc, err := encoder.New(ctx, encCfg)
	if err != nil {
		return trainer.Components{}, err
	}

	return trainer.Components{
		UNet:             unet,
		VAEEncoder:       vaeEncoder,
		VAEDecoder:       vaeDecoder,
		Scheduler:        sd1.DefaultScheduler(),
		HistogramEncoder: enc,
	}, nil
}

// readConfig overlays dst with the JSON file at path. A missing file
// keeps the defaults.
func readConfig(path string, dst any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
