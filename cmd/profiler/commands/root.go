// Package commands builds the profiler's Cobra command tree, the CLI
// surface of spec section 6 (--concurrency-range, --search-mode,
// --percentile, ...), matching the corpus's CLI-heavy
// leo-pony-model-runner repo's use of github.com/spf13/cobra over a
// hand-rolled flag.FlagSet.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd constructs the profiler's root command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "profiler",
		Short: "Drive a model-host server and search for a latency-satisfying concurrency",
	}
	root.AddCommand(newRunCmd())
	return root
}
