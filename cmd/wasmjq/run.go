package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	wasmjq "github.com/wippyai/wasm-jq"
	"github.com/wippyai/wasm-jq/pool"
)

// source is one input document set.
type source struct {
	name string
	data []byte
}

func newRunCmd() *cobra.Command {
	var opts wasmjq.Options

	cmd := &cobra.Command{
		Use:   "run FILTER [FILE...]",
		Short: "Apply a filter to JSON files or stdin",
		Long: `Apply FILTER to each FILE. Files are evaluated concurrently and their
outputs printed in argument order. Without files, stdin is read unless it
is a terminal, in which case --null-input is implied.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := args[0]
			flags := opts.Flags()

			sources, implyNull, err := readSources(cmd.InOrStdin(), args[1:])
			if err != nil {
				return usageError{err}
			}
			if implyNull {
				flags |= wasmjq.FlagNullInput
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			outputs := make([][]byte, len(sources))
			g, gctx := errgroup.WithContext(ctx)
			for i, src := range sources {
				g.Go(func() error {
					out, err := a.pool.Run(gctx, pool.Request{Input: src.data, Filter: filter, Flags: flags})
					if err != nil {
						return fmt.Errorf("%s: %w", src.name, err)
					}
					outputs[i] = out
					return nil
				})
			}
			runErr := g.Wait()

			w := cmd.OutOrStdout()
			for _, out := range outputs {
				if _, err := w.Write(out); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().BoolVarP(&opts.Compact, "compact-output", "c", false, "Compact instead of pretty-printed output")
	cmd.Flags().BoolVarP(&opts.Slurp, "slurp", "s", false, "Read all inputs into one array")
	cmd.Flags().BoolVarP(&opts.NullInput, "null-input", "n", false, "Use null as the single input value")
	cmd.Flags().BoolVarP(&opts.SortKeys, "sort-keys", "S", false, "Sort object keys in the output")

	return cmd
}

// readSources loads the named files, or stdin when there are none. The
// second result is true when stdin is an interactive terminal.
func readSources(stdin io.Reader, files []string) ([]source, bool, error) {
	if len(files) == 0 {
		if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return []source{{name: "<null>", data: []byte{}}}, true, nil
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, false, fmt.Errorf("read stdin: %w", err)
		}
		return []source{{name: "<stdin>", data: data}}, false, nil
	}

	sources := make([]source, 0, len(files))
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, false, err
		}
		sources = append(sources, source{name: name, data: data})
	}
	return sources, false, nil
}
