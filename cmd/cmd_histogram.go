package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/chromagen/chromagen/api"
)

func newHistogramCmd() *cobra.Command {
	histogramCmd := &cobra.Command{
		Use:     "histogram IMAGE",
		Short:   "Print the color histogram of an image",
		Args:    cobra.ExactArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    HistogramHandler,
	}

	histogramCmd.Flags().Int("bits", 0, "Histogram depth in bits per channel (default: server setting)")
	histogramCmd.Flags().Int("top", 10, "Number of bins to list, heaviest first (0 lists all)")
	histogramCmd.Flags().Bool("channels", false, "Also print the per channel curves")

	return histogramCmd
}

func HistogramHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	img, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	bits, err := cmd.Flags().GetInt("bits")
	if err != nil {
		return err
	}

	top, err := cmd.Flags().GetInt("top")
	if err != nil {
		return err
	}

	channels, err := cmd.Flags().GetBool("channels")
	if err != nil {
		return err
	}

	resp, err := client.Histogram(cmd.Context(), &api.HistogramRequest{
		Image: img,
		Bits:  bits,
		TopK:  top,
	})
	if err != nil {
		return err
	}

	renderBins(os.Stdout, resp)

	if channels {
		fmt.Println()
		renderChannels(os.Stdout, resp)
	}

	return nil
}

// binRows formats the occupied bins for display: per channel bin
// indices, the hex color at the bin center, and the pixel share.
func binRows(resp *api.HistogramResponse) [][]string {
	bins := 1 << resp.Bits

	rows := make([][]string, 0, len(resp.Histogram))
	for _, bin := range resp.Histogram {
		center := colorful.Color{
			R: (float64(bin.R) + 0.5) / float64(bins),
			G: (float64(bin.G) + 0.5) / float64(bins),
			B: (float64(bin.B) + 0.5) / float64(bins),
		}

		rows = append(rows, []string{
			fmt.Sprintf("%d,%d,%d", bin.R, bin.G, bin.B),
			center.Hex(),
			fmt.Sprintf("%.2f%%", float64(bin.Mass)*100),
		})
	}

	return rows
}

func renderBins(w io.Writer, resp *api.HistogramResponse) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"BIN", "CENTER", "MASS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(binRows(resp))
	table.Render()

	expected := colorful.Color{
		R: float64(resp.ExpectedColor[0]),
		G: float64(resp.ExpectedColor[1]),
		B: float64(resp.ExpectedColor[2]),
	}
	fmt.Fprintf(w, "\nexpected color %s\n", expected.Hex())
}

// channelRows formats the marginal channel curves, one row per bin.
func channelRows(resp *api.HistogramResponse) [][]string {
	rows := make([][]string, 0, len(resp.Channels[0]))
	for i := range resp.Channels[0] {
		rows = append(rows, []string{
			strconv.Itoa(i),
			fmt.Sprintf("%.4f", resp.Channels[0][i]),
			fmt.Sprintf("%.4f", resp.Channels[1][i]),
			fmt.Sprintf("%.4f", resp.Channels[2][i]),
		})
	}

	return rows
}

func renderChannels(w io.Writer, resp *api.HistogramResponse) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"BIN", "RED", "GREEN", "BLUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(channelRows(resp))
	table.Render()
}
