// Package cmd implements the chromagen command line interface.
package cmd

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chromagen/chromagen/envconfig"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "chromagen",
		Short:         "Histogram conditioned palette adapters for latent diffusion",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := newServeCmd()
	pullCmd := newPullCmd()
	trainCmd := newTrainCmd()
	histogramCmd := newHistogramCmd()
	paletteCmd := newPaletteCmd()
	inspectCmd := newInspectCmd()
	convertCmd := newConvertCmd()

	envVars := envconfig.AsMap()

	for _, cmd := range []*cobra.Command{histogramCmd, paletteCmd} {
		appendEnvDocs(cmd, []envconfig.EnvVar{envVars["CHROMAGEN_HOST"]})
	}

	appendEnvDocs(serveCmd, []envconfig.EnvVar{
		envVars["CHROMAGEN_DEBUG"],
		envVars["CHROMAGEN_HOST"],
		envVars["CHROMAGEN_ORIGINS"],
		envVars["CHROMAGEN_MODELS"],
		envVars["CHROMAGEN_NUM_THREADS"],
		envVars["CHROMAGEN_COLOR_BITS"],
	})

	appendEnvDocs(trainCmd, []envconfig.EnvVar{
		envVars["CHROMAGEN_MODELS"],
		envVars["CHROMAGEN_RUNS"],
		envVars["CHROMAGEN_NOMETRICS"],
		envVars["CHROMAGEN_NUM_THREADS"],
		envVars["CHROMAGEN_COLOR_BITS"],
	})

	appendEnvDocs(pullCmd, []envconfig.EnvVar{
		envVars["CHROMAGEN_MODELS"],
		{Name: "HF_TOKEN", Description: "Hugging Face access token for gated repositories"},
		{Name: "HF_ENDPOINT", Description: "Alternate Hugging Face compatible endpoint"},
	})

	rootCmd.AddCommand(
		serveCmd,
		pullCmd,
		trainCmd,
		histogramCmd,
		paletteCmd,
		inspectCmd,
		convertCmd,
	)

	return rootCmd
}
