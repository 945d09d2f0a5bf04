// Command wasmjq runs jq filters through a sandboxed WebAssembly jq engine.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-jq/errors"
)

// Global flags.
var (
	configPath string
	modulePath string
	poolSize   int
	logLevel   string
)

// Exit codes follow jq: 2 for usage and setup problems, 3 for filter
// compile errors, 5 for everything else.
const (
	exitUsage   = 2
	exitCompile = 3
	exitRuntime = 5
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wasmjq",
		Short: "Run jq filters in a WebAssembly sandbox",
		Long: `wasmjq loads a reactor-mode jq module compiled to WebAssembly and
evaluates filters against JSON documents. Files given on the command
line are processed concurrently by a pool of engine instances.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	root.PersistentFlags().StringVar(&modulePath, "module", "", "Path to the jq engine .wasm (overrides engine.module)")
	root.PersistentFlags().IntVar(&poolSize, "pool-size", 0, "Number of engine instances (overrides pool.size)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(newRunCmd())
	root.AddCommand(newReplCmd())

	return root
}

// usageError marks failures that happen before any filter runs.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ue usageError
	switch {
	case err == nil:
		return 0
	case stderrors.As(err, &ue):
		return exitUsage
	case errors.KindOf(err) == errors.KindCompile:
		return exitCompile
	default:
		return exitRuntime
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wasmjq: %v\n", err)
		os.Exit(exitCode(err))
	}
}
