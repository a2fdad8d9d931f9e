package cmd

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/chromagen/chromagen/format"
	"github.com/chromagen/chromagen/safetensors"
)

func newInspectCmd() *cobra.Command {
	inspectCmd := &cobra.Command{
		Use:   "inspect PATH",
		Short: "List the tensors of a safetensors file or checkpoint directory",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}

	return inspectCmd
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	info, err := os.Stat(args[0])
	if err != nil {
		return err
	}

	var weights *safetensors.ModelWeights
	if info.IsDir() {
		weights, err = safetensors.ReadDir(args[0])
	} else {
		weights, err = safetensors.ReadFile(args[0])
	}
	if err != nil {
		return err
	}

	renderTensors(os.Stdout, weights, info.ModTime())
	return nil
}

// tensorRows formats one row per tensor and totals the on-disk bytes.
func tensorRows(weights *safetensors.ModelWeights) ([][]string, int64) {
	var total int64

	rows := make([][]string, 0, len(weights.ListTensors()))
	for _, name := range weights.ListTensors() {
		t, err := weights.Get(name)
		if err != nil {
			continue
		}

		rows = append(rows, []string{
			t.Name,
			fmt.Sprint(t.Shape()),
			t.Dtype,
			format.HumanBytes(t.Size()),
		})
		total += t.Size()
	}

	return rows, total
}

func renderTensors(w io.Writer, weights *safetensors.ModelWeights, modified time.Time) {
	rows, total := tensorRows(weights)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TENSOR", "SHAPE", "TYPE", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()

	fmt.Fprintf(w, "\n%d tensors    %s    modified %s\n", len(rows), format.HumanBytes(total), format.HumanTime(modified, "never"))

	if meta := weights.Metadata(); len(meta) > 0 {
		fmt.Fprintln(w)
		for _, key := range slices.Sorted(maps.Keys(meta)) {
			fmt.Fprintf(w, "%s: %s\n", key, meta[key])
		}
	}
}
