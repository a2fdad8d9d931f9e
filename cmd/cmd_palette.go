package cmd

import (
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/chromagen/chromagen/api"
)

func newPaletteCmd() *cobra.Command {
	paletteCmd := &cobra.Command{
		Use:     "palette IMAGE",
		Short:   "Extract the palette of an image",
		Args:    cobra.ExactArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    PaletteHandler,
	}

	paletteCmd.Flags().Int("size", 0, "Number of palette colors (default: server setting)")
	paletteCmd.Flags().Bool("dominant", false, "Rank colors by dominance instead of cluster mass")

	return paletteCmd
}

func PaletteHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	img, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	size, err := cmd.Flags().GetInt("size")
	if err != nil {
		return err
	}

	dominant, err := cmd.Flags().GetBool("dominant")
	if err != nil {
		return err
	}

	resp, err := client.Palette(cmd.Context(), &api.PaletteRequest{
		Image:    img,
		Size:     size,
		Dominant: dominant,
	})
	if err != nil {
		return err
	}

	renderPalette(os.Stdout, resp)
	return nil
}

func paletteRows(resp *api.PaletteResponse) [][]string {
	rows := make([][]string, 0, len(resp.Colors))
	for i, color := range resp.Colors {
		rows = append(rows, []string{strconv.Itoa(i + 1), color})
	}

	return rows
}

func renderPalette(w io.Writer, resp *api.PaletteResponse) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"RANK", "COLOR"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(paletteRows(resp))
	table.Render()
}
