package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chromagen/chromagen/convert"
	"github.com/chromagen/chromagen/progress"
)

func newConvertCmd() *cobra.Command {
	convertCmd := &cobra.Command{
		Use:   "convert SOURCE DESTINATION",
		Short: "Convert a training checkpoint into a single adapter archive",
		Args:  cobra.ExactArgs(2),
		RunE:  ConvertHandler,
	}

	return convertCmd
}

func ConvertHandler(cmd *cobra.Command, args []string) error {
	dir, cleanup, err := checkpointDir(args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	spinner := progress.NewSpinner("converting checkpoint")
	p.Add(spinner)

	if err := convert.Adapter(os.DirFS(dir), args[1]); err != nil {
		return err
	}

	spinner.Stop()
	p.StopAndClear()

	fmt.Printf("wrote %s\n", args[1])
	return nil
}

// checkpointDir stages src for conversion. Directories are used in
// place; a single file is copied into a temporary directory so the
// converter always sees a checkpoint layout.
func checkpointDir(src string) (string, func(), error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", nil, err
	}

	if info.IsDir() {
		return src, func() {}, nil
	}

	tmp, err := os.MkdirTemp("", "chromagen-convert")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(tmp) }

	in, err := os.Open(src)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	defer in.Close()

	out, err := os.Create(filepath.Join(tmp, filepath.Base(src)))
	if err != nil {
		cleanup()
		return "", nil, err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		cleanup()
		return "", nil, err
	}

	return tmp, cleanup, nil
}
