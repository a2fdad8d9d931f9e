package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chromagen/chromagen/envconfig"
	"github.com/chromagen/chromagen/format"
	"github.com/chromagen/chromagen/huggingface"
	"github.com/chromagen/chromagen/progress"
)

func newPullCmd() *cobra.Command {
	pullCmd := &cobra.Command{
		Use:   "pull REPOSITORY COMPONENT",
		Short: "Download base weights from the Hugging Face hub",
		Long: `Download the safetensors archives and JSON config of a hub repository
into the models directory. COMPONENT names the slot the weights fill:
unet, vae or encoder.`,
		Args: cobra.ExactArgs(2),
		RunE: PullHandler,
	}

	pullCmd.Flags().String("revision", "main", "Branch, tag or commit to download")

	return pullCmd
}

func PullHandler(cmd *cobra.Command, args []string) error {
	dir, err := componentDir(args[1])
	if err != nil {
		return err
	}

	revision, err := cmd.Flags().GetString("revision")
	if err != nil {
		return err
	}

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	var bar *progress.Bar
	result, err := huggingface.NewClient().Download(cmd.Context(), args[0], dir,
		huggingface.WithRevision(revision),
		huggingface.WithPatterns("*.safetensors", "*.json"),
		huggingface.WithProgress(func(downloaded, total int64) {
			if bar == nil {
				if total == 0 {
					return
				}
				bar = progress.NewBytesBar(fmt.Sprintf("pulling %s:", args[0]), total, 0)
				p.Add(bar)
			}
			bar.Set(downloaded)
		}),
	)
	if err != nil {
		return err
	}

	p.StopAndClear()

	fmt.Printf("pulled %d files (%s) into %s\n", len(result.Files), format.HumanBytes(result.Bytes), dir)
	return nil
}

// componentDir maps a component name onto its models subdirectory.
func componentDir(component string) (string, error) {
	switch component {
	case "unet", "vae", "encoder":
		return filepath.Join(envconfig.Models(), component), nil
	}
	return "", fmt.Errorf("unknown component %q, expected unet, vae or encoder", component)
}
